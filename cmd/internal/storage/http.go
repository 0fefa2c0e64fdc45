package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPUploader stores objects in a bucket of an object-storage REST API
// (POST {base}/storage/v1/object/{bucket}/{key}), returning the bucket's public URL.
type HTTPUploader struct {
	baseURL    string
	bucket     string
	serviceKey string
	client     *http.Client
	now        func() time.Time
}

// NewHTTPUploader constructs an HTTPUploader. client may be nil.
func NewHTTPUploader(baseURL, bucket, serviceKey string, client *http.Client) (*HTTPUploader, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("storage: object store base url and bucket are required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPUploader{
		baseURL:    baseURL,
		bucket:     bucket,
		serviceKey: serviceKey,
		client:     client,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, folder string, obj Object) (Stored, error) {
	if len(obj.Data) == 0 {
		return Stored{}, ErrEmpty
	}
	key, err := objectKey(folder, obj.Name, u.now())
	if err != nil {
		return Stored{}, err
	}
	ct := DetectMIME(obj.Name, obj.Data)

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", u.baseURL, u.bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(obj.Data))
	if err != nil {
		return Stored{}, fmt.Errorf("build upload request: %w", err)
	}
	if u.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.serviceKey)
		req.Header.Set("apikey", u.serviceKey)
	}
	req.Header.Set("x-upsert", "true")
	req.Header.Set("Content-Type", ct)

	resp, err := u.client.Do(req)
	if err != nil {
		return Stored{}, fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Stored{}, fmt.Errorf("upload file: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return Stored{
		URL:  fmt.Sprintf("%s/storage/v1/object/public/%s/%s", u.baseURL, u.bucket, key),
		MIME: ct,
		Name: cleanName(obj.Name),
		Size: len(obj.Data),
	}, nil
}
