package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"webchat/internal/config"
	"webchat/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultMediaDir         = "uploads"
	DefaultMediaMaxUploadMB = 10

	// MediaURLPrefix is where stored files are served from.
	MediaURLPrefix = "/uploads"
)

const (
	mimeDoc  = "application/msword"
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var allowedMedia = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"application/pdf": ".pdf",
	mimeDoc:           ".doc",
	mimeDocx:          ".docx",
}

// UploadMediaInput is a file attached to a message.
type UploadMediaInput struct {
	Filename    string
	ContentType string
	Content     []byte
}

// StoredMedia describes a file written by the MediaStore.
type StoredMedia struct {
	URL  string
	Type models.MediaType
	MIME string
	Path string
}

// MediaStore writes message attachments to local disk.
type MediaStore struct {
	dir                string
	maxUploadSizeBytes int64
}

func NewMediaStore(cfg *config.Config) *MediaStore {
	dir := DefaultMediaDir
	maxMB := DefaultMediaMaxUploadMB
	if cfg != nil {
		if cfg.MediaStoragePath != "" {
			dir = cfg.MediaStoragePath
		}
		if cfg.MediaMaxUploadMB > 0 {
			maxMB = cfg.MediaMaxUploadMB
		}
	}
	return &MediaStore{
		dir:                dir,
		maxUploadSizeBytes: int64(maxMB) * 1024 * 1024,
	}
}

// Dir is the directory served read-only under MediaURLPrefix.
func (s *MediaStore) Dir() string {
	return s.dir
}

// MaxUploadBytes is the largest accepted file.
func (s *MediaStore) MaxUploadBytes() int64 {
	return s.maxUploadSizeBytes
}

// Save validates and writes in under a random name.
func (s *MediaStore) Save(ctx context.Context, in UploadMediaInput) (*StoredMedia, error) {
	if len(in.Content) == 0 {
		return nil, models.NewValidationError("Uploaded file is empty")
	}
	if int64(len(in.Content)) > s.maxUploadSizeBytes {
		return nil, models.NewValidationError(fmt.Sprintf("File too large (max %dMB)", s.maxUploadSizeBytes/(1024*1024)))
	}

	mimeType := detectMediaMIME(in)
	ext, ok := allowedMedia[mimeType]
	if !ok {
		return nil, models.NewValidationError("Unsupported file type")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, models.NewInternalError(fmt.Errorf("create media dir: %w", err))
	}
	name := uuid.NewString() + ext
	full := filepath.Join(s.dir, name)
	if err := os.WriteFile(full, in.Content, 0o644); err != nil {
		return nil, models.NewInternalError(fmt.Errorf("write media file: %w", err))
	}

	slog.DebugContext(ctx, "media stored",
		slog.String("file", name),
		slog.String("mime", mimeType),
		slog.Int("bytes", len(in.Content)),
	)

	return &StoredMedia{
		URL:  path.Join(MediaURLPrefix, name),
		Type: MediaTypeFor(mimeType),
		MIME: mimeType,
		Path: full,
	}, nil
}

// Remove deletes a stored file. Used to roll back an upload whose message
// could not be saved.
func (s *MediaStore) Remove(m *StoredMedia) {
	if m == nil || m.Path == "" {
		return
	}
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove media file", slog.String("path", m.Path), slog.Any("error", err))
	}
}

// MediaTypeFor maps a MIME type to the message media category.
func MediaTypeFor(mimeType string) models.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaVideo
	default:
		return models.MediaFile
	}
}

// detectMediaMIME trusts the sniffed type and falls back to the declared type
// or extension only for Word documents, which sniff as zip or octet-stream.
func detectMediaMIME(in UploadMediaInput) string {
	sniffed := http.DetectContentType(in.Content)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if _, ok := allowedMedia[sniffed]; ok {
		return sniffed
	}
	if sniffed != "application/zip" && sniffed != "application/octet-stream" {
		return sniffed
	}

	declared := strings.ToLower(strings.TrimSpace(in.ContentType))
	switch strings.ToLower(filepath.Ext(in.Filename)) {
	case ".doc":
		if declared == "" || declared == mimeDoc || declared == "application/octet-stream" {
			return mimeDoc
		}
	case ".docx":
		if declared == "" || declared == mimeDocx || declared == "application/octet-stream" {
			return mimeDocx
		}
	}
	return sniffed
}
