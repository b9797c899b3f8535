package watch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// absPatterns returns patterns made absolute against the working directory
// so matches compare equal to the absolute paths fsnotify reports.
func absPatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			p = filepath.Join(wd, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out, nil
}

// discoverFiles returns deduplicated absolute paths of regular files matching
// any of the given absolute glob patterns.
func discoverFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil || seen[abs] {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[abs] = true
			result = append(result, abs)
		}
	}
	return result, nil
}

// watchDirs returns the static directory prefix of each pattern, for
// fsnotify directory watches.
func watchDirs(patterns []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, pattern := range patterns {
		dir := staticPrefix(pattern)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// staticPrefix returns the longest directory path before the first glob character.
func staticPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[{"); i >= 0 {
		return filepath.Dir(pattern[:i])
	}
	// A literal file path; watch its directory.
	return filepath.Dir(pattern)
}

// matchesAny reports whether path matches any of the absolute patterns.
func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

// inputRoot is the deepest directory holding every pattern's static prefix.
// Output paths mirror input paths relative to it.
func inputRoot(patterns []string) string {
	root := ""
	for _, p := range patterns {
		dir := staticPrefix(p)
		if root == "" {
			root = dir
			continue
		}
		for !within(dir, root) {
			parent := filepath.Dir(root)
			if parent == root {
				break
			}
			root = parent
		}
	}
	return root
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// outputPath maps an input file to its output under outDir. The directory
// layout below root is kept so same-named inputs in different directories
// do not overwrite each other. A trailing compression extension is dropped
// and ext is appended.
func outputPath(outDir, root, path, ext string) string {
	rel := filepath.Base(path)
	if r, err := filepath.Rel(root, path); err == nil && within(path, root) {
		rel = r
	}
	switch filepath.Ext(rel) {
	case ".gz", ".zst", ".br":
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	}
	return filepath.Join(outDir, rel+"."+ext)
}
