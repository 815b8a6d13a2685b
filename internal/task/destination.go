package task

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// DefaultDestination picks where a task writes when the user gave no
// output path: a file named after the URL for direct and HLS tasks, a
// directory named after the host for page tasks.
func DefaultDestination(dir, source string, kind Kind) string {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return filepath.Join(dir, safeName(path.Base(source), "download"))
	}
	switch kind {
	case KindPage:
		return filepath.Join(dir, safeName(u.Hostname(), "page"))
	case KindHLS:
		name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
		switch strings.ToLower(name) {
		case "", ".", "/", "index", "playlist", "master", "prog_index", "chunklist":
			name = path.Base(path.Dir(u.Path))
		}
		return filepath.Join(dir, safeName(name, "stream")+".ts")
	}
	return filepath.Join(dir, safeName(path.Base(u.Path), "download"))
}

func safeName(name, fallback string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == "_" || name == ".." {
		return fallback
	}
	return name
}
