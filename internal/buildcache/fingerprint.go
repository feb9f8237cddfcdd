package buildcache

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/domain"
)

// Directories that never influence build output.
var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	".cache":       {},
}

// Fingerprint digests the build-relevant files of a site: relative path,
// size and mtime per file. It deliberately avoids content hashing so that a
// fleet of up-to-date sites can be checked quickly.
func Fingerprint(fs afero.Fs, site domain.SiteDescriptor) (string, error) {
	h := fnv.New64a()
	output := ""
	if site.OutputDir != "" {
		output = filepath.Join(site.Path, site.OutputDir)
	}
	err := afero.Walk(fs, site.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if _, skip := skippedDirs[info.Name()]; skip {
				return filepath.SkipDir
			}
			if output != "" && path == output {
				// Build artifacts must not feed the source fingerprint.
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(site.Path, path)
		if err != nil {
			rel = path
		}
		fmt.Fprintf(h, "%s|%d|%d\n", filepath.ToSlash(rel), info.Size(), info.ModTime().Unix())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", site.Name, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func normalizeSiteName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
