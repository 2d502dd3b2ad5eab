package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codedeck/ecpd/internal/config"
)

// staticHandler serves the bundled editor UI from a directory, with
// ETag-based revalidation and optional single-page-app fallback.
type staticHandler struct {
	root        string
	spaFallback bool
	logger      *slog.Logger
}

func newStaticHandler(cfg config.StaticConfig, logger *slog.Logger) http.Handler {
	return &staticHandler{
		root:        cfg.Root,
		spaFallback: cfg.SPAFallback,
		logger:      logger,
	}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upath := path.Clean("/" + r.URL.Path)
	full := filepath.Join(h.root, filepath.FromSlash(upath))

	// Containment check: a cleaned path can still escape the root via
	// symlinks or odd volume semantics on some platforms.
	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		h.logger.Warn("static path escapes root", "path", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
	}
	if err != nil {
		if !h.spaFallback {
			http.NotFound(w, r)
			return
		}
		// Unresolved paths get the app shell; the client router owns them.
		full = filepath.Join(h.root, "index.html")
		info, err = os.Stat(full)
		if err != nil {
			http.NotFound(w, r)
			return
		}
	}

	// The lexical check above cannot see symlinks; the resolved target
	// must also stay inside the resolved root.
	if !insideRoot(h.root, full) {
		h.logger.Warn("static path escapes root", "path", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		h.logger.Error("failed to read static file", "path", full, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)

	var modTime time.Time
	if info != nil {
		modTime = info.ModTime()
	}
	http.ServeContent(w, r, filepath.Base(full), modTime, bytes.NewReader(data))
}

// insideRoot reports whether target, with every symlink resolved, still
// lives inside the resolved root.
func insideRoot(root, target string) bool {
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	targetReal, err := filepath.EvalSymlinks(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
