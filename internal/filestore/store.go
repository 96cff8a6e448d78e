// Package filestore keeps uploaded files on disk: content at <id>.<ext>
// with a <id>.meta.json sidecar describing it.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound marks an unknown file ID.
	ErrNotFound = errors.New("filestore: file not found")

	// ErrFileType marks an extension outside the allowlist.
	ErrFileType = errors.New("filestore: file type not allowed")

	// ErrFileTooLarge marks content over the store's size limit.
	ErrFileTooLarge = errors.New("filestore: file exceeds size limit")
)

// contentTypes is the extension allowlist and the content type recorded
// for each. Anything else is rejected at save time.
var contentTypes = map[string]string{
	"txt":  "text/plain",
	"json": "application/json",
	"csv":  "text/csv",

	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",

	"pdf": "application/pdf",

	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"svg":  "image/svg+xml",

	"md":   "text/markdown",
	"yaml": "application/x-yaml",
	"yml":  "application/x-yaml",
}

// Extensions returns the sorted allowlist, for error messages and docs.
func Extensions() []string {
	exts := make([]string, 0, len(contentTypes))
	for ext := range contentTypes {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Meta describes one stored file. It is persisted verbatim as the
// file's sidecar.
type Meta struct {
	Filename    string `json:"filename"`
	Purpose     string `json:"purpose"`
	Size        int64  `json:"size"`
	FileType    string `json:"file_type"`
	ContentType string `json:"content_type"`
	Created     int64  `json:"created"`
}

// File is a stored file with its identifier.
type File struct {
	ID string `json:"id"`
	Meta
}

// Store is a directory-backed file store.
type Store struct {
	dir     string
	maxSize int64
	log     zerolog.Logger
}

// New opens a store rooted at dir, creating it if needed. maxSize of
// zero or less means unlimited.
func New(dir string, maxSize int64, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file store dir: %w", err)
	}
	return &Store{
		dir:     dir,
		maxSize: maxSize,
		log:     log.With().Str("component", "filestore").Logger(),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save stores content under a fresh ID. The extension of filename must
// be on the allowlist and the content within the size limit; violations
// leave nothing behind.
func (s *Store) Save(filename, purpose string, r io.Reader) (File, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	ct, ok := contentTypes[ext]
	if !ok {
		return File{}, fmt.Errorf("%w: %q", ErrFileType, ext)
	}

	id := "file-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(s.dir, id+"."+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return File{}, fmt.Errorf("create file: %w", err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	written, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return File{}, fmt.Errorf("write file: %w", err)
	}
	if s.maxSize > 0 && written > s.maxSize {
		os.Remove(path)
		return File{}, fmt.Errorf("%w: maximum is %d bytes", ErrFileTooLarge, s.maxSize)
	}

	meta := Meta{
		Filename:    filepath.Base(filename),
		Purpose:     purpose,
		Size:        written,
		FileType:    ext,
		ContentType: ct,
		Created:     time.Now().Unix(),
	}
	if err := s.writeMeta(id, meta); err != nil {
		os.Remove(path)
		return File{}, err
	}

	s.log.Info().Str("file", id).Str("filename", meta.Filename).Int64("size", written).Msg("file saved")
	return File{ID: id, Meta: meta}, nil
}

func (s *Store) writeMeta(id string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, id+".meta.json"), data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// List returns every stored file, ordered by ID. A missing or corrupt
// sidecar degrades to metadata reconstructed from the content file.
func (s *Store) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read file store dir: %w", err)
	}

	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "file-") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id, _, ok := strings.Cut(name, ".")
		if !ok {
			continue
		}

		meta, err := s.readMeta(id)
		if err != nil {
			s.log.Warn().Err(err).Str("file", id).Msg("metadata unreadable, reconstructing")
			meta = s.reconstruct(name)
		}
		files = append(files, File{ID: id, Meta: meta})
	}
	return files, nil
}

func (s *Store) readMeta(id string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".meta.json"))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// reconstruct builds best-effort metadata from a content file alone.
func (s *Store) reconstruct(name string) Meta {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	ct, ok := contentTypes[ext]
	if !ok {
		ct = "application/octet-stream"
	}
	meta := Meta{
		Filename:    name,
		Purpose:     "unknown",
		FileType:    ext,
		ContentType: ct,
	}
	if info, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
		meta.Size = info.Size()
		meta.Created = info.ModTime().Unix()
	}
	return meta
}

// Get returns a file's metadata.
func (s *Store) Get(id string) (File, error) {
	name, err := s.contentName(id)
	if err != nil {
		return File{}, err
	}
	meta, err := s.readMeta(id)
	if err != nil {
		meta = s.reconstruct(name)
	}
	return File{ID: id, Meta: meta}, nil
}

// Open returns the file's content and metadata. The caller closes the
// reader.
func (s *Store) Open(id string) (io.ReadCloser, File, error) {
	file, err := s.Get(id)
	if err != nil {
		return nil, File{}, err
	}
	name, err := s.contentName(id)
	if err != nil {
		return nil, File{}, err
	}
	rc, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, File{}, fmt.Errorf("open file: %w", err)
	}
	return rc, file, nil
}

// Delete removes a file and its sidecar.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read file store dir: %w", err)
	}

	deleted := false
	for _, e := range entries {
		name := e.Name()
		if name != id && !strings.HasPrefix(name, id+".") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		deleted = true
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.log.Info().Str("file", id).Msg("file deleted")
	return nil
}

// contentName finds the content file for an ID by scanning the store
// directory, so a raw ID never becomes part of a path on its own.
func (s *Store) contentName(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read file store dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, id+".") && !strings.HasSuffix(name, ".meta.json") {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// validID rejects anything that could escape the store directory.
func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return false
	}
	return !strings.Contains(id, "..")
}
