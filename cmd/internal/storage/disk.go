package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskUploader writes objects under Dir; the app serves Dir at PublicBase.
type DiskUploader struct {
	Dir        string
	PublicBase string // e.g. "http://localhost:8080/uploads"
	Now        func() time.Time
}

// NewDiskUploader constructs a DiskUploader, creating dir when missing.
func NewDiskUploader(dir, publicBase string) (*DiskUploader, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage: empty upload dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create upload dir: %w", err)
	}
	return &DiskUploader{Dir: dir, PublicBase: strings.TrimRight(publicBase, "/")}, nil
}

// Upload implements Uploader.
func (u *DiskUploader) Upload(ctx context.Context, folder string, obj Object) (Stored, error) {
	if len(obj.Data) == 0 {
		return Stored{}, ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}

	now := time.Now().UTC()
	if u.Now != nil {
		now = u.Now()
	}
	key, err := objectKey(folder, obj.Name, now)
	if err != nil {
		return Stored{}, err
	}

	dst := filepath.Join(u.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Stored{}, fmt.Errorf("storage: mkdir: %w", err)
	}
	if err := os.WriteFile(dst, obj.Data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("storage: write: %w", err)
	}

	return Stored{
		URL:  u.PublicBase + "/" + key,
		MIME: DetectMIME(obj.Name, obj.Data),
		Name: cleanName(obj.Name),
		Size: len(obj.Data),
	}, nil
}
