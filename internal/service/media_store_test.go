package service

import (
	"bytes"
	"context"
	"os"
	"testing"

	"webchat/internal/config"
	"webchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaStore_Defaults(t *testing.T) {
	s := NewMediaStore(nil)
	assert.Equal(t, DefaultMediaDir, s.Dir())
	assert.Equal(t, int64(DefaultMediaMaxUploadMB)*1024*1024, s.MaxUploadBytes())
}

func TestMediaStore_Save(t *testing.T) {
	dir := t.TempDir()
	s := NewMediaStore(&config.Config{MediaStoragePath: dir, MediaMaxUploadMB: 1})
	ctx := context.Background()

	tests := []struct {
		name     string
		in       UploadMediaInput
		wantType models.MediaType
		wantMIME string
	}{
		{"png", UploadMediaInput{Filename: "a.png", Content: pngHeader}, models.MediaImage, "image/png"},
		{"gif", UploadMediaInput{Filename: "a.gif", Content: []byte("GIF89a\x01\x00\x01\x00")}, models.MediaImage, "image/gif"},
		{"pdf", UploadMediaInput{Filename: "a.pdf", Content: []byte("%PDF-1.7\n%...")}, models.MediaFile, "application/pdf"},
		{"webm", UploadMediaInput{Filename: "a.webm", Content: []byte("\x1A\x45\xDF\xA3\x01\x00\x00\x00\x00\x00\x00\x1F\x42\x86\x81\x01webm")}, models.MediaVideo, "video/webm"},
		{"docx", UploadMediaInput{Filename: "report.docx", ContentType: mimeDocx, Content: []byte("PK\x03\x04rest-of-zip")}, models.MediaFile, mimeDocx},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := s.Save(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, stored.Type)
			assert.Equal(t, tt.wantMIME, stored.MIME)

			data, err := os.ReadFile(stored.Path)
			require.NoError(t, err)
			assert.Equal(t, tt.in.Content, data)

			s.Remove(stored)
			_, err = os.Stat(stored.Path)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestMediaStore_Rejects(t *testing.T) {
	s := NewMediaStore(&config.Config{MediaStoragePath: t.TempDir(), MediaMaxUploadMB: 1})
	ctx := context.Background()

	tests := []struct {
		name string
		in   UploadMediaInput
	}{
		{"empty", UploadMediaInput{Filename: "a.png"}},
		{"too large", UploadMediaInput{Filename: "a.png", Content: append(pngHeader, bytes.Repeat([]byte{0}, 1024*1024)...)}},
		{"html", UploadMediaInput{Filename: "a.html", Content: []byte("<html><body>hi</body></html>")}},
		{"plain text", UploadMediaInput{Filename: "notes.txt", Content: []byte("just some notes")}},
		{"zip named docx with wrong type", UploadMediaInput{Filename: "x.docx", ContentType: "application/zip", Content: []byte("PK\x03\x04zip")}},
		{"zip", UploadMediaInput{Filename: "x.zip", Content: []byte("PK\x03\x04zip")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(ctx, tt.in)
			assert.True(t, models.IsCode(err, models.CodeValidation), "got %v", err)
		})
	}
}

func TestMediaTypeFor(t *testing.T) {
	assert.Equal(t, models.MediaImage, MediaTypeFor("image/webp"))
	assert.Equal(t, models.MediaVideo, MediaTypeFor("video/mp4"))
	assert.Equal(t, models.MediaFile, MediaTypeFor("application/pdf"))
}
