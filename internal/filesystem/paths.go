package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// PartPath is the sibling temp file used while a ranged transfer is in flight
func PartPath(dest string) string {
	return dest + ".part"
}

// SegmentedOutputPath is where a playlist transfer writes its concatenated stream.
// "show/ep1.mp4" becomes "show/ep1.ts"; a destination that already ends in .ts is used as is.
func SegmentedOutputPath(dest string) string {
	ext := filepath.Ext(dest)
	if strings.EqualFold(ext, ".ts") {
		return dest
	}
	return strings.TrimSuffix(dest, ext) + ".ts"
}

// RemoveQuietly deletes path, ignoring a missing file. It reports whether anything is left behind.
func RemoveQuietly(path string) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	return err != nil && !errors.Is(err, fs.ErrNotExist)
}

// Exists reports whether path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FilenameFromURL derives a local file name from the last path element of raw.
// Playlists get a .mp4 name; the engine swaps it for the intermediate .ts.
func FilenameFromURL(raw string) string {
	name := "download"
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			name = base
		}
	}
	name = SanitizeFilename(name)
	if strings.EqualFold(filepath.Ext(name), ".m3u8") {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
	}
	return name
}

// SanitizeFilename replaces characters that are invalid on common filesystems
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		if r < 32 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "download"
	}
	return name
}

// FindAvailablePath returns basePath, or "name (n).ext" if basePath is taken
func FindAvailablePath(basePath string) string {
	if !Exists(basePath) {
		return basePath
	}
	ext := filepath.Ext(basePath)
	dir := filepath.Dir(basePath)
	nameOnly := strings.TrimSuffix(filepath.Base(basePath), ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if !Exists(candidate) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameOnly, 9999, ext))
}
