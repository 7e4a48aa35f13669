package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadPath loads a single .rego file, or every .rego file under a directory
func (g *Guard) LoadPath(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat guard policy %s: %w", path, err)
	}

	if !info.IsDir() {
		return g.loadFile(ctx, path)
	}

	root := filepath.Clean(path)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".rego") || strings.HasSuffix(p, "_test.rego") {
			return nil
		}
		return g.loadFile(ctx, p)
	})
}

func (g *Guard) loadFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read guard policy %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	return g.LoadPolicy(ctx, name, string(content))
}
