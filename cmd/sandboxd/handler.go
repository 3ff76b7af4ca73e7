package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"
)

// entry is one row of a workspace listing.
type entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func newHandler(root string) http.Handler {
	ws := &workspace{root: root}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /workspace", ws.handle)
	mux.HandleFunc("GET /workspace/{path...}", ws.handle)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type workspace struct {
	root string
}

// handle serves a directory listing as JSON or streams a file. Cleaning
// the path against a rooted slash keeps requests inside the workspace.
func (ws *workspace) handle(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.PathValue("path"))
	full := filepath.Join(ws.root, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no such file")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if info.IsDir() {
		ws.list(w, full, rel)
		return
	}
	http.ServeFile(w, r, full)
}

func (ws *workspace) list(w http.ResponseWriter, dir, rel string) {
	des, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{
			Name:    de.Name(),
			Path:    path.Join(rel, de.Name()),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
