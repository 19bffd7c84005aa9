package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

var (
	binary, _ = filepath.Abs("../../bin/slurm_proxy")
)

const (
	address = "localhost:15001"
)

func TestSlurmProxyExecutable(t *testing.T) {
	if _, err := os.Stat(binary); err != nil {
		t.Skipf("slurm_proxy binary not available, try to run `make build` first: %s", err)
	}

	tmpDir := t.TempDir()
	secret := base64.RawURLEncoding.EncodeToString([]byte("supersecretkeysupersecretkey1234"))

	proxy := exec.Command(
		binary, "--storage.data.path", tmpDir,
		"--slurm.jwt.secret-base64", secret,
		"--web.listen-address", address,
		"--no-security.drop-privileges",
	)
	if err := runCommandAndTests(proxy); err != nil {
		t.Error(err)
	}
}

func runCommandAndTests(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %s", err)
	}

	// Sleep for a while and kill process
	time.Sleep(1 * time.Second)

	cmd.Process.Kill()
	return nil
}
