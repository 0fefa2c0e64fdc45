// Package storage uploads chat attachments and returns their public URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"parley/cmd/identity/ids"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("storage: file too large")

// ErrEmpty is returned for a zero-byte upload.
var ErrEmpty = errors.New("storage: empty file")

// Object is a file to upload.
type Object struct {
	Name string // original client file name
	Data []byte
}

// Stored describes an uploaded object.
type Stored struct {
	URL  string
	MIME string
	Name string
	Size int
}

// Uploader stores attachment bytes under folder and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, folder string, obj Object) (Stored, error)
}

// ReadLimited reads r fully, failing with ErrTooLarge when it holds more than max bytes.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(b)) > max {
		return nil, ErrTooLarge
	}
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	return b, nil
}

// DetectMIME sniffs data, falling back to the file extension when sniffing is inconclusive.
func DetectMIME(name string, data []byte) string {
	ct := http.DetectContentType(data)
	if ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			ct = byExt
		}
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 && !strings.HasPrefix(ct, "text/") {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// objectKey builds "<folder>/<ulid><ext>". Client file names never reach the object path.
func objectKey(folder, name string, now time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" || folder == "." {
		return id + ext, nil
	}
	return folder + "/" + id + ext, nil
}

// cleanName keeps only the base name of a client-supplied file name.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
