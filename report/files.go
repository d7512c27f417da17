package report

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// Slug normalizes an incident title into a file-name-safe token: lowercase,
// spaces become underscores, anything outside [a-z0-9_-] is dropped.
func Slug(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r == ' ' || r == '_' || r == '\t':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))):
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	slug := strings.Trim(b.String(), "_-")
	if slug == "" {
		return "report"
	}
	return slug
}

// RunFileName is the per-run copy of the report for an incident title
func RunFileName(title string) string {
	return "dfir_report_" + Slug(title) + ".html"
}

// Entry describes one rendered report on disk
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// List returns the HTML reports in dir, newest first
func List(dir string) ([]Entry, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "*.html")
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(matches))
	for _, name := range matches {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Name:     name,
			Path:     filepath.Join(dir, name),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Modified.After(entries[j].Modified)
	})
	return entries, nil
}

// Resolve maps a report name from a request to a path inside dir. Names with
// path separators or a non-html extension are rejected.
func Resolve(dir, name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	if strings.ToLower(filepath.Ext(name)) != ".html" {
		return "", false
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}
