package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/modelhost/modelhost/internal/filestore"
)

// fileInfo is one stored file on the wire.
type fileInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Filename    string `json:"filename"`
	Purpose     string `json:"purpose"`
	Size        int64  `json:"size"`
	FileType    string `json:"file_type"`
	ContentType string `json:"content_type"`
	Created     int64  `json:"created"`
	Path        string `json:"path"`
}

type fileList struct {
	Object string     `json:"object"`
	Data   []fileInfo `json:"data"`
}

type fileDeleted struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func fileInfoFor(f filestore.File) fileInfo {
	return fileInfo{
		ID:          f.ID,
		Object:      "file",
		Filename:    f.Filename,
		Purpose:     f.Purpose,
		Size:        f.Size,
		FileType:    f.FileType,
		ContentType: f.ContentType,
		Created:     f.Created,
		Path:        f.ID + "." + f.FileType,
	}
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	src, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer src.Close()

	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = "fine-tune"
	}

	stored, err := s.files.Save(header.Filename, purpose, src)
	switch {
	case errors.Is(err, filestore.ErrFileType):
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"File type not allowed. Allowed types: %s", strings.Join(filestore.Extensions(), ", ")))
	case errors.Is(err, filestore.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, fileInfoFor(stored))
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := fileList{Object: "list", Data: make([]fileInfo, 0, len(files))}
	for _, f := range files {
		out.Data = append(out.Data, fileInfoFor(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.files.Get(id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("File %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileInfoFor(f))
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, f, err := s.files.Open(id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("File %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug().Err(err).Str("file", id).Msg("file download interrupted")
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.files.Delete(id); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("File %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileDeleted{ID: id, Object: "file", Deleted: true})
}
