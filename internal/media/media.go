// Package media stores task attachments and hands back durable public URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulk-task-dispatcher/internal/common"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

var (
	imageTypes = map[string]string{"image/jpeg": ".jpg", "image/png": ".png", "image/gif": ".gif"}
	videoTypes = map[string]string{"video/mp4": ".mp4", "video/quicktime": ".mov"}
)

// Limits caps attachment sizes per media type
type Limits struct {
	MaxImageBytes int64
	MaxVideoBytes int64
}

// Classify validates an upload and returns its media type
func Classify(contentType string, size int64, limits Limits) (common.MediaType, error) {
	contentType = baseType(contentType)
	switch {
	case imageTypes[contentType] != "":
		if size > limits.MaxImageBytes {
			return "", fmt.Errorf("%w: image is %d bytes, limit %d", ErrTooLarge, size, limits.MaxImageBytes)
		}
		return common.MediaImage, nil
	case videoTypes[contentType] != "":
		if size > limits.MaxVideoBytes {
			return "", fmt.Errorf("%w: video is %d bytes, limit %d", ErrTooLarge, size, limits.MaxVideoBytes)
		}
		return common.MediaVideo, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
}

// baseType strips parameters and normalises case, e.g. "Image/PNG; x=y" -> "image/png"
func baseType(contentType string) string {
	return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
}

// Store accepts a blob and returns a publicly fetchable URL for it
type Store interface {
	Put(ctx context.Context, name, contentType string, body io.Reader) (string, error)
}

// DiskStore writes uploads under Dir and serves them from PublicURL
type DiskStore struct {
	Dir       string
	PublicURL string
	Prefix    string
}

// NewDiskStore prepares dir for writing
func NewDiskStore(dir, publicURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DiskStore{Dir: dir, PublicURL: strings.TrimRight(publicURL, "/"), Prefix: "uploads"}, nil
}

// Put stores body under a fresh key and returns its public URL
func (s *DiskStore) Put(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	ct := baseType(contentType)
	ext := imageTypes[ct] + videoTypes[ct]
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(name))
	}
	key := path.Join(s.Prefix, fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), ext))

	dst := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: body}); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return s.PublicURL + "/" + key, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
