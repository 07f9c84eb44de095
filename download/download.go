// Package download fetches the callsign prefix table with conditional GET and
// a small JSON sidecar, so restarts only transfer the file when it changed.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MetadataSuffix is appended to the destination to name the sidecar.
const MetadataSuffix = ".status.json"

// Status reports what a fetch did to the local copy.
type Status string

const (
	StatusUpdated     Status = "updated"
	StatusNotModified Status = "not_modified"
	StatusSameContent Status = "same_content"
)

// Metadata is persisted next to the downloaded file.
type Metadata struct {
	URL          string    `json:"url,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Hash         string    `json:"xxh3,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
	CheckedAt    time.Time `json:"checked_at,omitempty"`
}

// Request describes one fetch.
type Request struct {
	URL         string
	Destination string
	Timeout     time.Duration
	Force       bool
	UserAgent   string
}

// Result summarizes a fetch.
type Result struct {
	Status Status
	Meta   Metadata
	Bytes  int64
}

// MetadataPath returns the sidecar path for dest.
func MetadataPath(dest string) string {
	if strings.TrimSpace(dest) == "" {
		return ""
	}
	return dest + MetadataSuffix
}

// Download refreshes req.Destination from req.URL. The file is replaced
// atomically and only when the body differs from the previous copy.
func Download(ctx context.Context, req Request) (Result, error) {
	var result Result
	url := strings.TrimSpace(req.URL)
	dest := strings.TrimSpace(req.Destination)
	if url == "" {
		return result, errors.New("download: URL is empty")
	}
	if dest == "" {
		return result, errors.New("download: destination is empty")
	}
	metaPath := MetadataPath(dest)

	_, statErr := os.Stat(dest)
	destExists := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return result, fmt.Errorf("download: stat destination: %w", statErr)
	}
	prev, _ := ReadMetadata(metaPath)
	conditional := !req.Force && destExists && prev != nil

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result, fmt.Errorf("download: build request: %w", err)
	}
	if conditional {
		if prev.ETag != "" {
			httpReq.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			httpReq.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return result, fmt.Errorf("download: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	meta := Metadata{}
	if prev != nil {
		meta = *prev
	}
	meta.URL = url
	meta.CheckedAt = now
	if etag := strings.TrimSpace(resp.Header.Get("ETag")); etag != "" {
		meta.ETag = etag
	}
	if lm := strings.TrimSpace(resp.Header.Get("Last-Modified")); lm != "" {
		meta.LastModified = lm
	}

	if resp.StatusCode == http.StatusNotModified {
		result.Status = StatusNotModified
		result.Meta = meta
		return result, WriteMetadata(metaPath, meta)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return result, fmt.Errorf("download: fetch %s: status %s", url, resp.Status)
	}

	if dir := filepath.Dir(dest); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("download: create directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "download-*.tmp")
	if err != nil {
		return result, fmt.Errorf("download: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := xxh3.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result, fmt.Errorf("download: copy body: %w", err)
	}
	if written == 0 {
		return result, errors.New("download: empty response body")
	}
	hash := strconv.FormatUint(hasher.Sum64(), 16)
	result.Bytes = written

	if !req.Force && destExists && prev != nil && prev.Hash == hash {
		result.Status = StatusSameContent
		result.Meta = meta
		return result, WriteMetadata(metaPath, meta)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return result, fmt.Errorf("download: replace %s: %w", dest, err)
	}
	meta.Hash = hash
	meta.SizeBytes = written
	meta.DownloadedAt = now
	result.Status = StatusUpdated
	result.Meta = meta
	return result, WriteMetadata(metaPath, meta)
}

// ReadMetadata loads the sidecar at path. A missing or unreadable file
// returns nil.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("download: decode %s: %w", path, err)
	}
	return &meta, nil
}

// WriteMetadata persists the sidecar.
func WriteMetadata(path string, meta Metadata) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("download: metadata path is empty")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("download: write %s: %w", path, err)
	}
	return nil
}
