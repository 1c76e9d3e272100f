package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"slices"
	"strings"
)

var templateExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// templateListing is the JSON response for GET /v1/templates.
type templateListing struct {
	Folder    string   `json:"folder"`
	Folders   []string `json:"folders"`
	Templates []string `json:"templates"`
}

// handleListTemplates lists sub-folders and template images of a folder
// under the asset directory.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	folder := cleanAssetPath(r.URL.Query().Get("folder"))

	root, err := os.OpenRoot(s.opts.AssetDir)
	if err != nil {
		s.logger.Error("open asset dir", "dir", s.opts.AssetDir, "error", err)
		s.writeError(w, http.StatusInternalServerError, "asset directory unavailable")
		return
	}
	defer root.Close()

	entries, err := fs.ReadDir(root.FS(), folder)
	if err != nil {
		s.writeAssetError(w, folder, err)
		return
	}

	out := templateListing{Folder: folder, Folders: []string{}, Templates: []string{}}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		rel := path.Join(folder, name)
		if e.IsDir() {
			out.Folders = append(out.Folders, rel)
			continue
		}
		if isTemplateFile(name) {
			out.Templates = append(out.Templates, rel)
		}
	}

	s.writeJSON(w, http.StatusOK, out)
}

// handleGetTemplate serves one template image from the asset directory.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := cleanAssetPath(r.URL.Query().Get("filepath"))
	if name == "." || !isTemplateFile(name) {
		s.writeError(w, http.StatusBadRequest, "filepath must name a template image")
		return
	}

	root, err := os.OpenRoot(s.opts.AssetDir)
	if err != nil {
		s.logger.Error("open asset dir", "dir", s.opts.AssetDir, "error", err)
		s.writeError(w, http.StatusInternalServerError, "asset directory unavailable")
		return
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		s.writeAssetError(w, name, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.writeError(w, http.StatusNotFound, "template not found")
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// readAsset reads a template image by its path under the asset directory.
func (s *Server) readAsset(name string) ([]byte, error) {
	name = cleanAssetPath(name)
	if !isTemplateFile(name) {
		return nil, errors.New("not a template image")
	}
	root, err := os.OpenRoot(s.opts.AssetDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.ReadFile(name)
}

// writeAssetError reports a failed asset lookup as not found. This covers
// paths that os.Root refuses because they leave the asset directory.
func (s *Server) writeAssetError(w http.ResponseWriter, name string, err error) {
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("asset lookup failed", "path", name, "error", err)
	}
	s.writeError(w, http.StatusNotFound, "template not found")
}

// cleanAssetPath turns a client-supplied path into a slash-separated path
// relative to the asset root. Escapes are still rejected by os.Root.
func cleanAssetPath(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" {
		return "."
	}
	return p
}

func isTemplateFile(name string) bool {
	return slices.Contains(templateExtensions, strings.ToLower(path.Ext(name)))
}
