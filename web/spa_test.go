package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func TestSPAHandler(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"index.html":    {Data: []byte("<html>app</html>")},
		"assets/app.js": {Data: []byte("console.log('ok')")},
	}
	h := SPAHandler(fsys)

	tests := []struct {
		path string
		want string
	}{
		{path: "/", want: "<html>app</html>"},
		{path: "/assets/app.js", want: "console.log('ok')"},
		{path: "/runs/42", want: "<html>app</html>"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.path, w.Code)
		}
		body, _ := io.ReadAll(w.Body)
		if string(body) != tt.want {
			t.Errorf("%s: body = %q, want %q", tt.path, body, tt.want)
		}
	}
}
