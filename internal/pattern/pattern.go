// Package pattern resolves wildcard path patterns against the file system.
//
// A pattern is a list of segments separated by `\` or `/`. Leading `..`
// segments move the search base up one directory each. Every other segment
// may contain `*`, which matches any run of characters within that segment.
// The last segment matches files; all others match directories. Matching is
// case-insensitive.
package pattern

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// PathTraversalError is returned when a pattern climbs above the file-system root.
type PathTraversalError struct {
	Root    string
	Pattern string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("pattern %q climbs above the file-system root from %s", e.Pattern, e.Root)
}

// Resolve returns the files under root matching pattern. Results are absolute
// and come in directory enumeration order.
func Resolve(root, pattern string) ([]string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	segments, absolute := split(pattern)
	if len(segments) == 0 {
		return nil, nil
	}
	if absolute {
		base = filepath.VolumeName(base) + string(filepath.Separator)
	}
	dirs, file := segments[:len(segments)-1], segments[len(segments)-1]
	for len(dirs) > 0 && dirs[0] == ".." {
		parent := filepath.Dir(base)
		if parent == base {
			return nil, &PathTraversalError{Root: root, Pattern: pattern}
		}
		base = parent
		dirs = dirs[1:]
	}
	if file == ".." {
		return nil, nil
	}

	candidates, err := expandDirs(base, dirs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, dir := range candidates {
		entries, err := readDir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if isDir(dir, entry) || !MatchName(file, entry.Name()) {
				continue
			}
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}

// ResolveSet expands every include pattern and subtracts every exclude
// pattern. The result keeps the order in which paths were first included.
func ResolveSet(root string, includes, excludes []string) ([]string, error) {
	seen := make(map[string]struct{})
	var ordered []string
	for _, p := range includes {
		matches, err := Resolve(root, p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			key := normalize(m)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ordered = append(ordered, m)
		}
	}
	excluded := make(map[string]struct{})
	for _, p := range excludes {
		matches, err := Resolve(root, p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			excluded[normalize(m)] = struct{}{}
		}
	}
	out := ordered[:0]
	for _, m := range ordered {
		if _, ok := excluded[normalize(m)]; ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MatchName reports whether name matches a single wildcard segment.
func MatchName(segment, name string) bool {
	return compile(segment).MatchString(name)
}

func expandDirs(base string, segments []string) ([]string, error) {
	if len(segments) == 0 {
		return []string{base}, nil
	}
	seg, rest := segments[0], segments[1:]
	// A ".." after a normal segment is not elevation; it can never match a child.
	if seg == ".." {
		return nil, nil
	}
	entries, err := readDir(base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !isDir(base, entry) || !MatchName(seg, entry.Name()) {
			continue
		}
		sub, err := expandDirs(filepath.Join(base, entry.Name()), rest)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func split(pattern string) ([]string, bool) {
	p := strings.ReplaceAll(strings.TrimSpace(pattern), `\`, "/")
	absolute := strings.HasPrefix(p, "/") || filepath.IsAbs(filepath.FromSlash(p))
	var segments []string
	for i, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		if i == 0 && absolute && filepath.VolumeName(s) != "" {
			continue
		}
		segments = append(segments, s)
	}
	return segments, absolute
}

func readDir(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return entries, nil
}

func isDir(parent string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, entry.Name()))
	return err == nil && info.IsDir()
}

func normalize(path string) string {
	return strings.ToLower(filepath.Clean(path))
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*regexp.Regexp{}
)

func compile(segment string) *regexp.Regexp {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if re, ok := cache[segment]; ok {
		return re
	}
	parts := strings.Split(segment, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("(?is)^" + strings.Join(parts, ".*") + "$")
	cache[segment] = re
	return re
}
