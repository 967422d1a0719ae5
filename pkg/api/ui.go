// pkg/api/ui.go

package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
)

// uiHandler serves the prebuilt single page app from dir. Unknown paths get
// index.html so client-side routes survive a reload.
func uiHandler(dir string) http.Handler {
	if dir == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			pam_err.WriteStatus(w, http.StatusNotFound, "no UI configured")
		})
	}
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		if name != "/" {
			if fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err == nil && !fi.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, index)
	})
}
