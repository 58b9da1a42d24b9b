// Package attachment validates image attachments sent as data URLs and
// materializes them as files the agent can read.
package attachment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

const (
	MaxCount      = 4
	MaxBytes      = 4 << 20
	MaxTotalBytes = 6 << 20

	tempDirPattern = "jupyterlab-codex-images-"
)

var (
	ErrInvalidPayload = errors.New("Invalid images payload")
	ErrTooMany        = errors.New("Too many images attached")
	ErrTooLarge       = errors.New("Image is too large")
	ErrTotalTooLarge  = errors.New("Images are too large in total")
	ErrInvalidData    = errors.New("Invalid image data")
)

var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Image is one attachment as sent by the client.
type Image struct {
	Name    string `json:"name"`
	DataURL string `json:"dataUrl"`
}

// Decoded is a validated attachment.
type Decoded struct {
	Name string
	MIME string
	Data []byte
}

// Parse interprets the raw images field of a send request. Absent or empty
// values mean no images; anything else must be a list of objects carrying a
// non-empty dataUrl.
func Parse(raw json.RawMessage) ([]Image, error) {
	raw = bytes.TrimSpace(raw)
	if isEmptyValue(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, ErrInvalidPayload
	}
	if len(items) > MaxCount {
		return nil, ErrTooMany
	}

	images := make([]Image, 0, len(items))
	for _, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			return nil, ErrInvalidPayload
		}
		var dataURL, name string
		if err := json.Unmarshal(obj["dataUrl"], &dataURL); err != nil || strings.TrimSpace(dataURL) == "" {
			return nil, ErrInvalidPayload
		}
		_ = json.Unmarshal(obj["name"], &name)
		images = append(images, Image{Name: name, DataURL: dataURL})
	}
	return images, nil
}

func isEmptyValue(raw []byte) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`, "[]", "{}":
		return true
	}
	return false
}

// Decode validates every image and enforces the per-image and total size limits.
func Decode(images []Image) ([]Decoded, error) {
	if len(images) > MaxCount {
		return nil, ErrTooMany
	}
	out := make([]Decoded, 0, len(images))
	total := 0
	for _, img := range images {
		mime, data, err := DecodeDataURL(img.DataURL)
		if err != nil {
			return nil, err
		}
		if len(data) > MaxBytes {
			return nil, ErrTooLarge
		}
		total += len(data)
		if total > MaxTotalBytes {
			return nil, ErrTotalTooLarge
		}
		out = append(out, Decoded{Name: img.Name, MIME: mime, Data: data})
	}
	return out, nil
}

// DecodeDataURL parses data:image/<type>;base64,<payload>.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	raw := strings.TrimSpace(dataURL)
	if !strings.HasPrefix(raw, "data:") {
		return "", nil, ErrInvalidData
	}
	header, payload, ok := strings.Cut(raw, ",")
	if !ok || !strings.Contains(strings.ToLower(header), ";base64") {
		return "", nil, ErrInvalidData
	}
	mime, _, _ := strings.Cut(header[len("data:"):], ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	if _, ok := extByMIME[mime]; !ok {
		return "", nil, ErrInvalidData
	}
	data, err := base64.StdEncoding.Strict().DecodeString(payload)
	if err != nil || len(data) == 0 {
		return "", nil, ErrInvalidData
	}
	return mime, data, nil
}

// Set is a materialized group of attachments in a private temp directory.
type Set struct {
	dir   string
	Paths []string
}

// Materialize writes images to a fresh temp directory under base (os.TempDir when empty).
func Materialize(base string, images []Decoded) (*Set, error) {
	if len(images) == 0 {
		return &Set{}, nil
	}
	dir, err := os.MkdirTemp(base, tempDirPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	set := &Set{dir: dir}
	for i, img := range images {
		path := filepath.Join(dir, fmt.Sprintf("attachment-%d%s", i, extByMIME[img.MIME]))
		if err := os.WriteFile(path, img.Data, 0o600); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to write attachment: %w", err), set.Cleanup())
		}
		set.Paths = append(set.Paths, path)
	}
	codexlog.Debug("materialized attachments", "dir", dir, "count", len(set.Paths))
	return set, nil
}

// Cleanup removes the temp directory. It is safe to call more than once.
func (s *Set) Cleanup() error {
	if s == nil || s.dir == "" {
		return nil
	}
	dir := s.dir
	s.dir = ""
	s.Paths = nil
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove attachment dir: %w", err)
	}
	return nil
}
