package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"cadastral-batch/internal/config"
	"cadastral-batch/internal/progress"
	"cadastral-batch/internal/runstore"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	rf := addRuntimeFlags(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	var res DoctorResult
	env, err := loadRuntime(rf)
	if err != nil {
		res = DoctorResult{Checks: []DoctorCheck{{Name: "config", OK: false, Message: err.Error()}}}
	} else {
		defer env.Close()
		res = doctor(env.context(context.Background()), env.cfg, env.client)
	}

	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		for _, c := range res.Checks {
			status := "ok"
			if !c.OK {
				status = "fail"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
		}
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	if !*jsonOut {
		fmt.Println("doctor: all checks passed")
	}
	return nil
}

func doctor(ctx context.Context, cfg config.Config, backend pinger) DoctorResult {
	checks := make([]DoctorCheck, 0, 4)
	checks = append(checks, DoctorCheck{
		Name:    "config",
		OK:      true,
		Message: fmt.Sprintf("mode=%s concurrency=%d", cfg.Mode, cfg.Concurrency),
	})

	if cfg.Mode == config.ModeOffline {
		checks = append(checks, DoctorCheck{Name: "backend", OK: true, Message: "skipped in offline mode"})
	} else if err := backend.Ping(ctx); err != nil {
		checks = append(checks, DoctorCheck{Name: "backend", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, DoctorCheck{Name: "backend", OK: true, Message: "reachable at " + cfg.BaseURL})
	}

	dirOK, dirMessage := ensureWritableDir(cfg.OutputDir)
	checks = append(checks, DoctorCheck{Name: "directory:output", OK: dirOK, Message: dirMessage})

	if cfg.Offline.Script != "" {
		script, err := progress.LoadScript(cfg.Offline.Script)
		if err != nil {
			checks = append(checks, DoctorCheck{Name: "offline:script", OK: false, Message: err.Error()})
		} else {
			checks = append(checks, DoctorCheck{Name: "offline:script", OK: true, Message: fmt.Sprintf("%d steps", len(script))})
		}
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return DoctorResult{OK: ok, Checks: checks}
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "cadastral-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
