package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cadastral-batch/internal/config"
)

type stubPinger struct {
	err   error
	calls int
}

func (p *stubPinger) Ping(ctx context.Context) error {
	p.calls++
	return p.err
}

func checkByName(t *testing.T, res DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, res.Checks)
	return DoctorCheck{}
}

func TestDoctorOfflineSkipsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeOffline
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	p := &stubPinger{err: errors.New("should not be called")}

	res := doctor(context.Background(), cfg, p)
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res.Checks)
	}
	if p.calls != 0 {
		t.Fatalf("expected no ping in offline mode, got %d", p.calls)
	}
	if _, err := os.Stat(cfg.OutputDir); err != nil {
		t.Fatalf("expected output dir to be created: %v", err)
	}
}

func TestDoctorReportsUnreachableBackend(t *testing.T) {
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	res := doctor(context.Background(), cfg, &stubPinger{err: errors.New("backend unreachable: connection refused")})
	if res.OK {
		t.Fatal("expected failure")
	}
	if c := checkByName(t, res, "backend"); c.OK {
		t.Fatalf("expected backend check to fail, got %+v", c)
	}
	if c := checkByName(t, res, "directory:output"); !c.OK {
		t.Fatalf("expected output dir check to pass, got %+v", c)
	}
}

func TestDoctorChecksOfflineScript(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeOffline
	cfg.OutputDir = t.TempDir()
	cfg.Offline.Script = filepath.Join(t.TempDir(), "missing.yaml")

	res := doctor(context.Background(), cfg, &stubPinger{})
	if res.OK {
		t.Fatal("expected missing script to fail")
	}
	if c := checkByName(t, res, "offline:script"); c.OK {
		t.Fatalf("expected script check to fail, got %+v", c)
	}
}
