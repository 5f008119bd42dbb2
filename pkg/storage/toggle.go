package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

// Toggle is the capture-enabled flag, persisted as plain text in its own file.
// The file is read on every call and replaced whole on every write, so a
// reader never sees a partial value.
type Toggle struct {
	path string
	def  bool
}

// NewToggle returns a flag backed by path. def is reported while the file
// does not exist or holds something unrecognizable.
func NewToggle(path string, def bool) *Toggle {
	return &Toggle{path: path, def: def}
}

func (t *Toggle) Path() string { return t.path }

func (t *Toggle) Enabled() bool {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.L.Warn("capture toggle unreadable, using default",
				zap.String("path", t.path), zap.Error(err))
		}
		return t.def
	}

	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "true", "1", "on", "yes", "enabled":
		return true
	case "false", "0", "off", "no", "disabled":
		return false
	default:
		return t.def
	}
}

func (t *Toggle) Set(enabled bool) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	value := "false\n"
	if enabled {
		value = "true\n"
	}
	return renameio.WriteFile(t.path, []byte(value), 0o644)
}
