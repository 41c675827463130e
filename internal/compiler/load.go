package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// LoadPrograms compiles every program found at path. A file is compiled on
// its own; the .cue files of a directory are compiled separately and
// unified, so programs may be spread across files.
func LoadPrograms(path string) ([]ir.Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load programs: %w", err)
	}
	ctx := cuecontext.New()

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load programs: %w", err)
		}
		return CompilePrograms(ctx.CompileBytes(data, cue.Filename(path)))
	}

	files, err := FindCUEFiles(path)
	if err != nil {
		return nil, fmt.Errorf("load programs: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("load programs: no CUE files in %s", path)
	}
	var v cue.Value
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("load programs: %w", err)
		}
		fv := ctx.CompileBytes(data, cue.Filename(file))
		if err := fv.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		if i == 0 {
			v = fv
			continue
		}
		v = v.Unify(fv)
	}
	return CompilePrograms(v)
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
