package api

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/modelhost/modelhost/internal/plugin"
)

// modelInfo is one descriptor on the wire. Error carries the latest
// load failure, if any.
type modelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
	Isolation   string `json:"isolation,omitempty"`
	Concurrency string `json:"concurrency,omitempty"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

// modelAction is the response to reload, delete, and deploy.
type modelAction struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	descs := s.reg.List()
	out := modelList{Object: "list", Data: make([]modelInfo, 0, len(descs))}
	for _, d := range descs {
		info := modelInfo{
			ID:          d.Name,
			Object:      "model",
			Status:      d.Status.String(),
			Version:     d.Version,
			Description: d.Description,
			Runtime:     string(d.Runtime),
			Isolation:   string(d.Isolation),
			Concurrency: string(d.Concurrency),
		}
		if !d.LoadedAt.IsZero() {
			info.Created = d.LoadedAt.Unix()
		}
		if d.Err != nil {
			info.Error = d.Err.Error()
		}
		out.Data = append(out.Data, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// reloadReport carries the per-model outcome of a full reload: the
// model's status string, or its load error.
type reloadReport struct {
	Message string            `json:"message"`
	Results map[string]string `json:"results"`
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.ReloadAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make(map[string]string)
	for _, d := range s.reg.List() {
		if d.Err != nil {
			results[d.Name] = d.Err.Error()
		} else {
			results[d.Name] = d.Status.String()
		}
	}
	writeJSON(w, http.StatusOK, reloadReport{Message: "All models reloaded successfully", Results: results})
}

func (s *Server) handleReloadModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	switch err := s.reg.Reload(r.Context(), name); {
	case errors.Is(err, plugin.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found", name))
	case err != nil:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to load model: %s", err))
	default:
		writeJSON(w, http.StatusOK, modelAction{Message: "Model reloaded successfully", Model: name})
	}
}

// handleDeleteModel retires a model and deletes its directory. Builtin
// descriptors have no directory and are only removed from the registry.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, ok := s.reg.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found", name))
		return
	}
	if err := s.reg.Remove(name); err != nil {
		if errors.Is(err, plugin.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if desc.Dir != "" {
		if err := os.RemoveAll(desc.Dir); err != nil {
			s.log.Error().Err(err).Str("model", name).Str("dir", desc.Dir).Msg("plugin directory removal failed")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Model %s retired but its directory could not be removed", name))
			return
		}
	}
	writeJSON(w, http.StatusOK, modelAction{Message: "Model deleted successfully", Model: name})
}

// handleDeploy installs a plugin from an uploaded zip archive. The
// archive is staged next to the plugin root, validated as a loadable
// plugin directory, moved into place, and picked up by a full reload.
// A failed load rolls the deployment back.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	pkg, header, err := r.FormFile("package_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "package_file field is required")
		return
	}
	defer pkg.Close()
	replace := r.FormValue("replace_existing") == "true"

	if !strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		writeError(w, http.StatusBadRequest, "Only zip files are allowed")
		return
	}

	// Stage inside the plugin root so the final move is a rename on the
	// same filesystem. Scans skip dot-prefixed directories.
	staging, err := os.MkdirTemp(s.reg.Root(), ".deploy-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(pkg, header.Size, staging); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src, err := packageDir(staging)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := plugin.LoadManifestFromDir(src)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid plugin package: %s", err))
		return
	}
	name := m.Name

	target := filepath.Join(s.reg.Root(), name)
	if desc, known := s.reg.Get(name); known {
		if !replace {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Model %s already exists", name))
			return
		}
		if desc.Dir != "" && desc.Dir != target {
			if err := os.RemoveAll(desc.Dir); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	if _, err := os.Stat(target); err == nil {
		if !replace {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Model %s already exists", name))
			return
		}
		if err := os.RemoveAll(target); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := os.Rename(src, target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.reg.ReloadAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A successful load clears any recorded error, so a descriptor still
	// carrying one means the deployed package failed to load even when a
	// previous generation kept the model serving.
	if desc, ok := s.reg.Get(name); !ok || desc.Status == plugin.StatusFailed || desc.Err != nil {
		loadErr := "model did not register"
		if ok && desc.Err != nil {
			loadErr = desc.Err.Error()
		}
		os.RemoveAll(target)
		_ = s.reg.Remove(name)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to load model: %s", loadErr))
		return
	}

	s.log.Info().Str("model", name).Msg("model deployed")
	writeJSON(w, http.StatusOK, modelAction{Message: "Model deployed successfully", Model: name})
}

// extractArchive unpacks a zip stream into dest, refusing entries that
// would land outside it.
func extractArchive(pkg io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(pkg, size)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}
	for _, f := range zr.File {
		if err := extractEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(f.Name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes the package directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("read archive entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write archive entry %q: %w", f.Name, err)
	}
	return nil
}

// packageDir locates the plugin directory inside an extracted archive:
// either the archive root itself or a single top-level directory.
func packageDir(dir string) (string, error) {
	if hasPluginFiles(dir) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var found string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if !hasPluginFiles(sub) {
			continue
		}
		if found != "" {
			return "", errors.New("package contains more than one plugin directory")
		}
		found = sub
	}
	if found == "" {
		return "", fmt.Errorf("no %s or %s found in package", plugin.ManifestFile, plugin.DefaultEntry)
	}
	return found, nil
}

func hasPluginFiles(dir string) bool {
	for _, name := range []string{plugin.ManifestFile, plugin.DefaultEntry} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && fi.Mode().IsRegular() {
			return true
		}
	}
	return false
}
