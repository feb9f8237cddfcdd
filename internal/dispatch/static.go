package dispatch

import (
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// serveStatic serves a request from a site's document root. Directory
// requests fall back to index.html; anything escaping the root is rejected
// before it touches the filesystem.
func serveStatic(fs afero.Fs, docRoot string, w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.URL.Path)
	if strings.Contains(rel, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	target := path.Join(docRoot, rel)
	info, err := fs.Stat(target)
	if err == nil && info.IsDir() {
		target = path.Join(target, "index.html")
		info, err = fs.Stat(target)
	}
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	file, err := fs.Open(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	http.ServeContent(w, r, path.Base(target), info.ModTime(), file)
}
