package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"chatdesk/internal/upload"
)

const maxFilesPerUpload = 10

// handleUpload validates every "file" part of a multipart form. Each file
// gets its own result; the status reflects the first failure only when no
// file was accepted.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.uploads.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit*maxFilesPerUpload+jsonOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, err)
			return
		}
		s.writeError(w, r, badRequest("parse form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.writeError(w, r, badRequest("no file in form field %q", "file"))
		return
	}
	if len(headers) > maxFilesPerUpload {
		s.writeError(w, r, badRequest("at most %d files per upload", maxFilesPerUpload))
		return
	}

	results := make([]upload.Result, 0, len(headers))
	var firstErr error
	accepted := 0
	for _, fh := range headers {
		res := s.processPart(fh, limit)
		if res.Success {
			accepted++
		} else if firstErr == nil {
			firstErr = res.Err()
		}
		results = append(results, res)
	}

	code := http.StatusOK
	if accepted == 0 {
		code = http.StatusBadRequest
		if firstErr != nil {
			code, _ = statusFor(firstErr)
		}
	}
	writeJSON(w, code, map[string]any{"files": results})
}

func (s *Server) processPart(fh *multipart.FileHeader, limit int64) upload.Result {
	f, err := fh.Open()
	if err != nil {
		return upload.Result{Name: fh.Filename, Error: fmt.Sprintf("open part: %v", err)}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return upload.Result{Name: fh.Filename, Error: fmt.Sprintf("read part: %v", err)}
	}
	res := s.uploads.ProcessFile(fh.Filename, fh.Header.Get("Content-Type"), data)
	// Only limit+1 bytes were read; report the real size.
	res.Size = fh.Size
	return res
}
