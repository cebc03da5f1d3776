package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cadastral-batch/internal/batch"
	"cadastral-batch/internal/config"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/runstore"
)

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	rf := addRuntimeFlags(fs)
	taskID := fs.String("task-id", "", "job identifier of a finished project")
	resultURL := fs.String("url", "", "result URL (absolute or backend-relative)")
	latest := fs.Bool("latest", false, "download every result of the latest saved batch report")
	output := fs.String("output", "", "target file (single download only)")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	selected := 0
	for _, set := range []bool{strings.TrimSpace(*taskID) != "", strings.TrimSpace(*resultURL) != "", *latest} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return errors.New("provide exactly one of --task-id, --url, or --latest")
	}
	if *latest && strings.TrimSpace(*output) != "" {
		return errors.New("--output applies to single downloads; use --output-dir with --latest")
	}

	env, err := loadRuntime(rf)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = env.context(ctx)

	lock, err := runstore.AcquireOutputLock(env.cfg.OutputDir, "download")
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	var results []downloadResult
	if *latest {
		results, err = downloadLatest(ctx, env)
		if err != nil {
			return err
		}
	} else {
		results = []downloadResult{downloadOne(ctx, env, *taskID, *resultURL, *output)}
	}

	if *jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("failed: %s: %s\n", defaultIfEmpty(r.Project, r.TaskID), r.Error)
				continue
			}
			fmt.Printf("downloaded: %s (%s)\n", r.Path, formatBytesIEC(r.Bytes))
		}
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}

func downloadOne(ctx context.Context, env *runtimeEnv, taskID, resultURL, output string) downloadResult {
	taskID = strings.TrimSpace(taskID)
	resultURL = strings.TrimSpace(resultURL)
	if taskID == "" {
		taskID = model.TaskIDFromURL(resultURL)
	}
	res := downloadResult{TaskID: taskID}

	target := strings.TrimSpace(output)
	if target == "" {
		target = filepath.Join(env.cfg.OutputDir, runstore.SafeFileName(batch.ResultFileName(taskID, env.cfg.ResultSuffix)))
	}
	n, err := runstore.WriteStream(target, func(w io.Writer) (int64, error) {
		if resultURL != "" {
			return env.client.DownloadURL(ctx, resultURL, w)
		}
		return env.client.DownloadTask(ctx, taskID, w)
	})
	res.Bytes = n
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Path = target
	return res
}

func downloadLatest(ctx context.Context, env *runtimeEnv) ([]downloadResult, error) {
	path, err := runstore.LatestReport(env.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	var report batchReport
	if err := runstore.ReadJSON(path, &report); err != nil {
		return nil, err
	}
	if report.Mode == config.ModeOffline {
		return nil, fmt.Errorf("report %s comes from an offline batch; nothing to download", path)
	}
	results := downloadOutputs(ctx, env.client, report.Projects, env.cfg.OutputDir)
	if len(results) == 0 {
		return nil, fmt.Errorf("report %s has no completed projects", path)
	}
	return results, nil
}
