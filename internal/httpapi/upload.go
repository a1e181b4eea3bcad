package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"bulkbot/internal/queue"
)

// readMultipart decodes the items JSON field, stores every "files" part in
// the upload dir, and binds files to items by fileName, then fileIndex.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request) (queue.SubmitRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return queue.SubmitRequest{}, badRequest("invalid multipart body: " + err.Error())
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	raw := r.FormValue("items")
	if raw == "" {
		return queue.SubmitRequest{}, badRequest("items field missing")
	}
	req := queue.SubmitRequest{Name: r.FormValue("jobName")}
	if err := json.Unmarshal([]byte(raw), &req.Items); err != nil {
		return queue.SubmitRequest{}, badRequest("items is not a JSON array: " + err.Error())
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return req, nil
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return queue.SubmitRequest{}, err
	}

	stored := make([]string, len(files))
	byName := make(map[string]string, len(files))
	for i, fh := range files {
		p, err := s.storeUpload(fh)
		if err != nil {
			return queue.SubmitRequest{}, fmt.Errorf("store %q: %w", fh.Filename, err)
		}
		stored[i] = p
		byName[fh.Filename] = p
	}

	for i := range req.Items {
		it := &req.Items[i]
		if p, ok := byName[it.FileName]; ok && it.FileName != "" {
			it.MediaPath = p
		}
		if it.FileIndex != nil && *it.FileIndex >= 0 && *it.FileIndex < len(stored) {
			it.MediaPath = stored[*it.FileIndex]
		}
	}
	return req, nil
}

func (s *Server) storeUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := fmt.Sprintf("%d-%d%s", time.Now().UnixMilli(), rand.Intn(1_000_000), filepath.Ext(fh.Filename))
	p := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(p)
		return "", err
	}
	return p, dst.Close()
}
