package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

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

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfigFixture writes a valid config plus a worker template directory.
func writeConfigFixture(t *testing.T, dir string) string {
	t.Helper()

	templateDir := filepath.Join(dir, "worker")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	manifest := `
name: echo
version: "1.0.0"
protocol: 1
entrypoint: run.sh
topics:
  - echo
`
	if err := os.WriteFile(filepath.Join(templateDir, "worker.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(filepath.Join(templateDir, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	configYAML := `
service:
  name: stoker-test
  log_level: ERROR
pool:
  template_dir: ` + templateDir + `
  workers: 2
state:
  path: ` + filepath.Join(dir, "stoker.db") + `
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunCLINoArgs(t *testing.T) {
	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr missing unknown command message: %s", stderr)
	}
}

func TestRunCLIHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "stoker <command> [flags]") {
		t.Fatalf("usage missing command line: %s", stdout)
	}
	if !strings.Contains(stdout, "task submit") {
		t.Fatalf("usage missing task submit: %s", stdout)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "stoker 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-02-12T11:30:00Z") {
		t.Fatalf("stdout missing build time: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}

	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunConfigNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: stoker config check") {
		t.Fatalf("stdout missing action help usage: %s", stdout)
	}
}

func TestRunTaskNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskNoun([]string{"submit", "--help"})
	})
	if code != 0 {
		t.Fatalf("runTaskNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: stoker task submit") {
		t.Fatalf("stdout missing submit help usage: %s", stdout)
	}
}

func TestRunConfigCheckValid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Config OK") {
		t.Fatalf("stdout missing OK line: %s", stdout)
	}
	if !strings.Contains(stdout, "2 x echo v1.0.0") {
		t.Fatalf("stdout missing worker summary: %s", stdout)
	}
}

func TestRunConfigCheckMissingTemplate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configYAML := `
service:
  name: stoker-test
pool:
  template_dir: ` + filepath.Join(tmpDir, "nonexistent") + `
  workers: 2
state:
  path: ` + filepath.Join(tmpDir, "stoker.db") + `
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatal("runConfigCheck() should fail for missing worker template")
	}
	if !strings.Contains(stderr, "worker template") {
		t.Fatalf("stderr missing template failure: %s", stderr)
	}
}

func TestRunConfigLockWritesChecksum(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "blake3:") {
		t.Fatalf("stdout missing hash line: %s", stdout)
	}
	if _, err := os.Stat(configPath + ".sum"); err != nil {
		t.Fatalf("checksum file not written: %v", err)
	}

	// A locked config still passes check.
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() after lock code = %d, stderr: %s", code, stderr)
	}
}

func TestRunConfigLockTamperDetected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatal("lock failed")
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, append(raw, []byte("# tampered\n")...), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatal("runConfigCheck() should fail for tampered config")
	}
	if !strings.Contains(stderr, "FAILED") {
		t.Fatalf("stderr missing failure: %s", stderr)
	}
}

func TestRunTaskSubmitRequiresTopic(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskSubmit([]string{"--api-key", "k"})
	})
	if code != 1 {
		t.Fatalf("runTaskSubmit() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: stoker task submit") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestRunTaskSubmitRejectsInvalidPayload(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskSubmit([]string{"--api-key", "k", "--payload", "{not json", "echo"})
	})
	if code != 1 {
		t.Fatalf("runTaskSubmit() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "valid JSON") {
		t.Fatalf("stderr missing payload error: %s", stderr)
	}
}

func TestRunStatusRequiresAPIKey(t *testing.T) {
	t.Setenv("STOKER_API_KEY", "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runStatus(nil)
	})
	if code != 1 {
		t.Fatalf("runStatus() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "API key required") {
		t.Fatalf("stderr missing key requirement: %s", stderr)
	}
}
