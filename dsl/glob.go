package dsl

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Glob implements the doublestar-capable glob the DSL exposes as a
// builtin. It returns a sorted, duplicate-free list; two calls with
// identical file trees return identical lists. Go's standard
// filepath.Glob has no "**" support, so
// this walks the tree and matches each candidate against the
// slash-split pattern, letting a "**" segment consume zero or more path
// segments.
func Glob(pattern, dir string) ([]string, error) {
	segments := strings.Split(filepath.ToSlash(pattern), "/")

	var matches []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		relSegments := strings.Split(filepath.ToSlash(rel), "/")
		if matchSegments(segments, relSegments) {
			matches = append(matches, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches = dedupSorted(matches)
	return matches, nil
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegments(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

func dedupSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	var last string
	first := true
	for _, v := range in {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}
