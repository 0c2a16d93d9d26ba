package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) < 2 {
		t.Errorf("expected at least 2 standard paths, got %d", len(paths))
	}
	if paths[0] != "credentials.toml" {
		t.Errorf("first path should be credentials.toml, got %s", paths[0])
	}
}

func TestLoadFile(t *testing.T) {
	credPath := filepath.Join(t.TempDir(), "credentials.toml")

	content := `
[backend]
token = "backend-secret"

[NATS]
token = "nats-secret"

[empty]
token = ""
`
	os.WriteFile(credPath, []byte(content), 0400)

	creds, err := LoadFile(credPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := creds.Token(ServiceBackend); got != "backend-secret" {
		t.Errorf("backend token = %q, want %q", got, "backend-secret")
	}
	if got := creds.Token(ServiceNATS); got != "nats-secret" {
		t.Errorf("nats token = %q, want %q", got, "nats-secret")
	}
}

func TestTokenEnvFallback(t *testing.T) {
	t.Setenv("TASKFEED_BACKEND_TOKEN", "from-env")

	var creds *Credentials
	if got := creds.Token(ServiceBackend); got != "from-env" {
		t.Errorf("nil credentials token = %q, want from-env", got)
	}

	credPath := filepath.Join(t.TempDir(), "credentials.toml")
	os.WriteFile(credPath, []byte("[nats]\ntoken = \"n\"\n"), 0600)
	loaded, err := LoadFile(credPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loaded.Token(ServiceBackend); got != "from-env" {
		t.Errorf("missing section token = %q, want from-env", got)
	}
}

func TestEnvVar(t *testing.T) {
	if got := EnvVar("job-api"); got != "TASKFEED_JOB_API_TOKEN" {
		t.Errorf("EnvVar() = %q, want TASKFEED_JOB_API_TOKEN", got)
	}
}

func TestLoadFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	credPath := filepath.Join(t.TempDir(), "credentials.toml")
	os.WriteFile(credPath, []byte("[backend]\ntoken = \"x\"\n"), 0644)

	_, err := LoadFile(credPath)
	if !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("error = %v, want ErrInsecurePermissions", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
