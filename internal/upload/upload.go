// Package upload validates attachments before they reach the model.
package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
)

// ComposerLimit is the cap the chat composer used for inline attachments.
// The service enforces one configured limit and only reports the mismatch.
const ComposerLimit int64 = 10 << 20

const DefaultMaxBytes int64 = 25 << 20

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

var allowed = map[string]Kind{
	"image/jpeg":       KindImage,
	"image/png":        KindImage,
	"image/gif":        KindImage,
	"image/webp":       KindImage,
	"application/pdf":  KindDocument,
	"text/plain":       KindDocument,
	"text/csv":         KindDocument,
	"text/markdown":    KindDocument,
	"application/json": KindDocument,
	"audio/webm":       KindAudio,
	"audio/ogg":        KindAudio,
	"audio/mpeg":       KindAudio,
	"audio/wav":        KindAudio,
	docxMIME:           KindDocument,
}

var byExtension = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".json": "application/json",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".docx": docxMIME,
}

type Result struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`
	Size     int64  `json:"size"`
	DataURL  string `json:"data_url,omitempty"`

	err error
}

// Err returns the sentinel behind a failed result.
func (r Result) Err() error {
	return r.err
}

type Config struct {
	MaxBytes int64
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Service struct {
	maxBytes int64
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config) *Service {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	logger := cfg.Logger.With().Str("component", "upload").Logger()
	if maxBytes != ComposerLimit {
		logger.Warn().
			Int64("max_bytes", maxBytes).
			Int64("composer_limit", ComposerLimit).
			Msg("upload limit differs from composer attachment limit")
	}
	return &Service{maxBytes: maxBytes, logger: logger, metrics: m}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// ProcessFile validates one file and renders it as a data URL.
func (s *Service) ProcessFile(name, mimeType string, data []byte) Result {
	res := Result{Name: name, Size: int64(len(data))}

	mt := ResolveMIME(name, mimeType)
	kind, ok := allowed[mt]
	if !ok {
		return s.reject(res, fmt.Errorf("%w: %s", ErrUnsupportedType, displayType(mimeType, name)))
	}
	res.MIMEType = mt
	res.Kind = kind

	if res.Size > s.maxBytes {
		return s.reject(res, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, res.Size, s.maxBytes))
	}

	res.Success = true
	res.DataURL = "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
	return res
}

func (s *Service) reject(res Result, err error) Result {
	s.metrics.UploadsRejected.Inc()
	s.logger.Debug().Err(err).Str("name", res.Name).Msg("upload rejected")
	res.Success = false
	res.Error = err.Error()
	res.err = err
	return res
}

// ResolveMIME normalizes the declared type and falls back to the file
// extension when the browser sent nothing useful.
func ResolveMIME(name, declared string) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if mt == "audio/x-wav" || mt == "audio/wave" {
		mt = "audio/wav"
	}
	if mt == "" || mt == "application/octet-stream" {
		if byExt, ok := byExtension[strings.ToLower(filepath.Ext(name))]; ok {
			return byExt
		}
	}
	return mt
}

func displayType(declared, name string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(name); ext != "" {
		return ext
	}
	return "unknown"
}

// DecodeDataURL splits a data URL produced by ProcessFile.
func DecodeDataURL(dataURL string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data url has no payload")
	}
	mimeType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data url is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mimeType, data, nil
}
