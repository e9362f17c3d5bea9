// Package device gives each scorekeeper installation a durable identifier.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/example/volley-sync/internal/types"
)

const (
	prefix   = "dev_"
	fileName = "device_id"
	appDir   = "volley-sync"
)

// Load returns the identifier stored in dir, creating one on first use. An
// empty dir selects the user's config directory.
func Load(dir string) (types.DeviceID, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(base, appDir)
	}
	path := filepath.Join(dir, fileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); Valid(types.DeviceID(id)) {
			return types.DeviceID(id), nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := New()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// New generates a fresh identifier.
func New() types.DeviceID {
	return types.DeviceID(prefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Valid reports whether id looks like one produced by New.
func Valid(id types.DeviceID) bool {
	return strings.HasPrefix(string(id), prefix) && len(id) > len(prefix)
}
