// Package web serves a built front-end bundle as a single-page application.
//
// The bundle is read from disk (STATIC_DIR) so the bridge can be paired with
// any front-end build. Without it, only the API is served and the front-end
// runs from its own dev server.
package web

import (
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

// SPAHandler serves files from fsys and falls back to index.html for any path
// that does not match a file, so client-side routes resolve.
func SPAHandler(fsys fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(fsys))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := fsys.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
