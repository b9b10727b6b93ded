package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"deploy-keeper/internal/models"
)

// ArchiveSource supplies a module archive or a deployment plan to Distribute and Redeploy.
type ArchiveSource interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource reads from a local file.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return filepath.Base(f.Path) }

func (f FileSource) Open() (io.ReadCloser, error) { return os.Open(f.Path) }

// StreamSource reads from an already opened stream, it can be read once.
type StreamSource struct {
	Filename string
	Reader   io.Reader
}

func (s StreamSource) Name() string { return s.Filename }

func (s StreamSource) Open() (io.ReadCloser, error) {
	if s.Reader == nil {
		return nil, fmt.Errorf("%w: %s has no content", models.ErrInvalidArgument, s.Filename)
	}
	return io.NopCloser(s.Reader), nil
}

// BytesSource serves an in-memory archive.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (b BytesSource) Name() string { return b.Filename }

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// loadedArchive is the content of a source read before an operation starts.
type loadedArchive struct {
	name   string
	data   []byte
	digest string
}

/**
 * Read an archive source completely
 * @param {ArchiveSource} src - Source, nil is rejected
 * @returns {(*loadedArchive, error)} Content and sha256 digest
 * @throws
 * - models.ErrInvalidArgument for nil, unnamed, unreadable or empty sources
 */
func loadArchive(src ArchiveSource) (*loadedArchive, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: archive source is required", models.ErrInvalidArgument)
	}
	name := filepath.Base(src.Name())
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: archive source has no name", models.ErrInvalidArgument)
	}
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrInvalidArgument, name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrInvalidArgument, name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", models.ErrInvalidArgument, name)
	}
	sum := sha256.Sum256(data)
	return &loadedArchive{name: name, data: data, digest: hex.EncodeToString(sum[:])}, nil
}
