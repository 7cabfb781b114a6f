package publish

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// workspace is the scratch directory owned by one job execution.
type workspace struct {
	dir string
}

func newWorkspace(root string, flightID int64) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("flight-%d-", flightID))
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	for _, sub := range []string{"source", "hls"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace %s dir: %w", sub, err)
		}
	}
	return &workspace{dir: dir}, nil
}

// sourcePath is where a downloaded object named by key is stored.
func (w *workspace) sourcePath(key string) string {
	name := path.Base(strings.TrimRight(key, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "source"
	}
	return filepath.Join(w.dir, "source", name)
}

func (w *workspace) outputDir() string {
	return filepath.Join(w.dir, "hls")
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.dir)
}
