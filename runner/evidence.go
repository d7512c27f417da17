package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrEvidenceNotFound is returned when the file to analyze does not exist
var ErrEvidenceNotFound = errors.New("evidence file not found")

// ValidateEvidence checks that path names a regular file. Relative paths are
// tried as given and then inside uploadDir. The usable path is returned.
func ValidateEvidence(path, uploadDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: no file given", ErrEvidenceNotFound)
	}
	candidates := []string{path}
	if !filepath.IsAbs(path) && uploadDir != "" {
		candidates = append(candidates, filepath.Join(uploadDir, filepath.Base(path)))
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrEvidenceNotFound, path)
}

// LatestEvidence returns the most recently modified JSON export in uploadDir,
// the default input when no file was named.
func LatestEvidence(uploadDir string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(uploadDir), "**/*.json")
	if err != nil {
		return "", err
	}

	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	for _, m := range matches {
		p := filepath.Join(uploadDir, filepath.FromSlash(m))
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		found = append(found, candidate{p, info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no .json files in %s", ErrEvidenceNotFound, uploadDir)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mod != found[j].mod {
			return found[i].mod > found[j].mod
		}
		return found[i].path < found[j].path
	})
	return found[0].path, nil
}
