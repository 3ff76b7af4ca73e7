package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/tools/browser"
)

// ScreenshotDir re-homes browser screenshots to a local directory, one
// subdirectory per thread, and serves them back under /api/screenshots/.
// The returned URLs are server-relative so they survive proxying.
type ScreenshotDir struct {
	root string
}

func NewScreenshotDir(root string) *ScreenshotDir {
	return &ScreenshotDir{root: root}
}

func (s *ScreenshotDir) SaveScreenshot(_ context.Context, threadID string, png []byte) (string, error) {
	dir := filepath.Join(s.root, threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("screenshot dir: %w", err)
	}
	name := strand.NewID() + ".png"
	if err := os.WriteFile(filepath.Join(dir, name), png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return "/api/screenshots/" + threadID + "/" + name, nil
}

func (s *ScreenshotDir) serve(w http.ResponseWriter, r *http.Request) {
	thread, name := r.PathValue("thread"), r.PathValue("name")
	if strings.Contains(thread, "..") || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.root, thread, name))
}

var _ browser.ScreenshotStore = (*ScreenshotDir)(nil)
