package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/codedeck/ecpd/internal/config"
)

func staticRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestStaticHandler(t *testing.T) {
	t.Parallel()

	root := staticRoot(t)
	h := newStaticHandler(config.StaticConfig{Root: root, SPAFallback: true}, testLogger())

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"root serves index", "/", http.StatusOK, "<html>app</html>"},
		{"asset", "/assets/app.js", http.StatusOK, "console.log(1)"},
		{"spa fallback", "/editor/session/42", http.StatusOK, "<html>app</html>"},
		{"traversal", "/../../../etc/passwd", http.StatusOK, "<html>app</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("GET %s body = %q, want %q", tt.path, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestStaticHandler_SymlinkEscapeForbidden(t *testing.T) {
	t.Parallel()

	root := staticRoot(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("top-secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	h := newStaticHandler(config.StaticConfig{Root: root}, testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leak.txt", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("GET /leak.txt = %d, want 403", rec.Code)
	}
}

func TestStaticHandler_SymlinkInsideRootServed(t *testing.T) {
	t.Parallel()

	root := staticRoot(t)
	if err := os.Symlink(filepath.Join(root, "assets", "app.js"), filepath.Join(root, "alias.js")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	h := newStaticHandler(config.StaticConfig{Root: root}, testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alias.js", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log(1)" {
		t.Errorf("GET /alias.js = %d %q, want the linked file", rec.Code, rec.Body.String())
	}
}

func TestStaticHandler_NoFallback(t *testing.T) {
	t.Parallel()

	h := newStaticHandler(config.StaticConfig{Root: staticRoot(t)}, testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /missing.txt = %d, want 404", rec.Code)
	}
}

func TestStaticHandler_ETag(t *testing.T) {
	t.Parallel()

	h := newStaticHandler(config.StaticConfig{Root: staticRoot(t)}, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on first response")
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET = %d, want 304", rec.Code)
	}
}

func TestStaticHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := newStaticHandler(config.StaticConfig{Root: staticRoot(t)}, testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST / = %d, want 405", rec.Code)
	}
}
