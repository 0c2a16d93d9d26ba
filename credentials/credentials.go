// Package credentials loads service tokens from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Well-known services.
const (
	ServiceBackend = "backend"
	ServiceNATS    = "nats"
)

// Credentials holds tokens loaded from credentials.toml, one section per
// service:
//
//	[backend]
//	token = "..."
type Credentials struct {
	services map[string]string
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "taskfeed", "credentials.toml"),
			filepath.Join(home, ".taskfeed", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error; the returned Credentials is nil and
// Token falls back to the environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must not be group or world accessible)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]struct {
		Token string `toml:"token"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}

	creds := &Credentials{services: make(map[string]string, len(raw))}
	for name, section := range raw {
		if section.Token != "" {
			creds.services[strings.ToLower(name)] = section.Token
		}
	}
	return creds, nil
}

// Token returns the token for a service.
// Priority: [service] section > TASKFEED_<SERVICE>_TOKEN environment variable.
func (c *Credentials) Token(service string) string {
	if c != nil {
		if tok, ok := c.services[strings.ToLower(service)]; ok {
			return tok
		}
	}
	return os.Getenv(EnvVar(service))
}

// EnvVar returns the environment variable consulted for a service.
func EnvVar(service string) string {
	return "TASKFEED_" + strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_TOKEN"
}
