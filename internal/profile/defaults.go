package profile

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/user/flowterm/configs"
)

// ensureDefaults seeds dir with the embedded profiles when it holds no
// profile files yet.
func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read profiles dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isProfileFile(entry.Name()) {
			return nil
		}
	}

	files, err := fs.Glob(configs.ProfileDefaults, "profiles/*.yaml")
	if err != nil {
		return fmt.Errorf("list embedded profiles: %w", err)
	}
	for _, file := range files {
		content, err := configs.ProfileDefaults.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", file, err)
		}
		dst := filepath.Join(dir, path.Base(file))
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", dst, err)
		}
	}
	return nil
}
