package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfigYAML = `
service:
  name: fourgate
  log_level: ERROR

intake:
  listen: "127.0.0.1:0"

storage:
  backend: sqlite
  path: state.db

sources:
  github:
    kind: github
    verify: hmac-sha256
    secret: test-secret
    signature_header: X-Hub-Signature-256
    event_type_header: X-GitHub-Event
`

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(testConfigYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunCheckValidConfig(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Configuration OK") {
		t.Fatalf("stdout missing OK summary: %s", stdout)
	}
	if !strings.Contains(stdout, "github (kind=github, verify=hmac-sha256, topic=fourgate.github)") {
		t.Fatalf("stdout missing source line with defaulted topic: %s", stdout)
	}
}

func TestRunCheckMissingConfig(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	})
	if code != 1 {
		t.Fatalf("runCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Config load error") {
		t.Fatalf("stderr missing load error: %s", stderr)
	}
}

func TestRunLockThenCheckDetectsTamper(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked configuration") {
		t.Fatalf("stdout missing lock summary: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}

	// Untampered config passes.
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runCheck() after lock code = %d, stderr: %s", code, stderr)
	}

	// Tampered config fails integrity.
	if err := os.WriteFile(configPath, []byte(testConfigYAML+"\n# edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("runCheck() on tampered config code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Integrity check FAILED") {
		t.Fatalf("stderr missing integrity failure: %s", stderr)
	}
}

func TestRunLockRefusesInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("intake:\n  listen: \"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runLock([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("runLock() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Refusing to lock invalid config") {
		t.Fatalf("stderr missing refusal: %s", stderr)
	}
}

func TestPrintUsageListsCommands(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	for _, cmd := range []string{"start", "check", "lock", "version"} {
		if !strings.Contains(stdout, cmd) {
			t.Fatalf("usage missing command %q: %s", cmd, stdout)
		}
	}
}
