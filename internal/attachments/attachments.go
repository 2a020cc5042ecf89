// Package attachments stores uploaded files and describes them as message
// payloads. Files are stored and served as uploaded, without encryption.
package attachments

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pliu/chatbox/internal/models"
	"go.uber.org/zap"
)

var (
	ErrTooLarge = errors.New("attachment exceeds size limit")
	ErrEmpty    = errors.New("attachment is empty")
)

// Store keeps blobs in a local directory under random names.
type Store struct {
	dir      string
	baseURL  string
	maxBytes int64
	log      *zap.Logger
}

func New(dir, baseURL string, maxBytes int64, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		log:      log,
	}, nil
}

// Save writes r to a new blob and returns its descriptor. An empty mimeType is
// sniffed from the content.
func (s *Store) Save(name, mimeType string, r io.Reader) (models.FileDescriptor, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = "file"
	}

	br := bufio.NewReader(r)
	if mimeType == "" || mimeType == "application/octet-stream" {
		head, _ := br.Peek(512)
		mimeType = http.DetectContentType(head)
	}

	blob := uuid.New().String() + strings.ToLower(filepath.Ext(name))
	dst := filepath.Join(s.dir, blob)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return models.FileDescriptor{}, fmt.Errorf("create blob: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(br, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = fmt.Errorf("write blob: %w", err)
	case n > s.maxBytes:
		err = ErrTooLarge
	case n == 0:
		err = ErrEmpty
	}
	if err != nil {
		os.Remove(dst)
		return models.FileDescriptor{}, err
	}

	return models.FileDescriptor{
		Name:     name,
		URL:      s.baseURL + "/" + blob,
		Size:     n,
		MimeType: mimeType,
	}, nil
}

// UploadHandler accepts a multipart form with a "file" field and answers with
// the descriptor to submit as a message payload.
func (s *Store) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, ErrTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	desc, err := s.Save(header.Filename, header.Header.Get("Content-Type"), file)
	switch {
	case errors.Is(err, ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, ErrEmpty):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("store attachment", zap.Error(err))
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	s.log.Info("attachment stored", zap.String("url", desc.URL), zap.Int64("size", desc.Size), zap.String("mime", desc.MimeType))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(desc)
}

// FileServer serves stored blobs. Mount it with the path prefix stripped.
func (s *Store) FileServer() http.Handler {
	return http.FileServer(http.Dir(s.dir))
}
