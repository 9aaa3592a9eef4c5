package render

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

// OutputMapping is one rendered file and where it has to end up.
type OutputMapping struct {
	Source      string
	Destination string
	Renderer    string
}

// ExpectedDir resolves the project's image output rule to a directory.
// Relative rules are relative to the project.
func ExpectedDir(rule, project string) string {
	rule = filepath.FromSlash(NormalizePath(rule))
	if filepath.IsAbs(rule) || project == "" {
		return filepath.Clean(rule)
	}
	return filepath.Join(filepath.FromSlash(NormalizePath(project)), rule)
}

// ActualRoot is where renderer writes while the output rule points at tempDir.
func ActualRoot(tempDir string, quirk Quirk) string {
	if quirk.UsesTmpSubdir {
		return filepath.Join(tempDir, "tmp")
	}
	return tempDir
}

// PlanOutputs lists the files under root and maps each one to expectedDir.
// The result is sorted by source path.
func PlanOutputs(root, expectedDir, renderer, layer string, quirk Quirk) ([]OutputMapping, error) {
	var mappings []OutputMapping
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dest := quirk.Destination(filepath.ToSlash(rel), layer)
		mappings = append(mappings, OutputMapping{
			Source:      p,
			Destination: filepath.Join(expectedDir, filepath.FromSlash(dest)),
			Renderer:    renderer,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Source < mappings[j].Source })
	return mappings, nil
}

// Apply moves every mapped file into place and checks it arrived. It stops
// at the first failure.
func Apply(mappings []OutputMapping) error {
	for _, m := range mappings {
		if err := moveFile(m.Source, m.Destination); err != nil {
			return errors.WrapWithCode(err, errors.CodeOutputReconciliation, "render.reconcile",
				fmt.Sprintf("moving %s to %s", m.Source, m.Destination)).
				WithField("renderer", m.Renderer)
		}
		if _, err := os.Stat(m.Destination); err != nil {
			return errors.WrapWithCode(err, errors.CodeOutputReconciliation, "render.reconcile",
				fmt.Sprintf("%s missing after move", m.Destination)).
				WithField("renderer", m.Renderer)
		}
	}
	return nil
}

// moveFile renames src to dst, copying across filesystems when rename
// cannot.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if _, statErr := os.Stat(src); statErr != nil {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
