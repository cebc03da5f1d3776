package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	outputLockDirName   = ".batch.lock"
	outputLockOwnerFile = "owner.json"
)

// OutputLock keeps two batches from writing archives into the same
// directory at once.
type OutputLock struct {
	lockDir string
}

type outputLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	Command   string `json:"command,omitempty"`
}

func AcquireOutputLock(outputDir, command string) (OutputLock, error) {
	target := strings.TrimSpace(outputDir)
	if target == "" {
		return OutputLock{}, fmt.Errorf("output directory is required")
	}
	if err := Mkdir(target); err != nil {
		return OutputLock{}, err
	}

	lockDir := filepath.Join(target, outputLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			ownerPath := filepath.Join(lockDir, outputLockOwnerFile)
			var owner outputLockOwner
			if readErr := ReadJSON(ownerPath, &owner); readErr == nil && owner.PID > 0 && owner.CreatedAt != "" {
				return OutputLock{}, fmt.Errorf(
					"output directory is locked: %s (pid=%d command=%s created_at=%s host=%s)",
					target, owner.PID, owner.Command, owner.CreatedAt, owner.Hostname,
				)
			}
			return OutputLock{}, fmt.Errorf("output directory is locked: %s", target)
		}
		return OutputLock{}, fmt.Errorf("acquire output lock for %s: %w", target, err)
	}

	owner := outputLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
		Command:   strings.TrimSpace(command),
	}
	ownerPath := filepath.Join(lockDir, outputLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return OutputLock{}, fmt.Errorf("write output lock owner for %s: %w", target, err)
	}

	return OutputLock{lockDir: lockDir}, nil
}

func (l OutputLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, outputLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release output lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
