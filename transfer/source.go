package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Source is a file-like object the sender reads byte ranges from.
type Source struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.ReaderAt
}

// BytesSource wraps an in-memory payload.
func BytesSource(name, mimeType string, data []byte) Source {
	return Source{Name: name, MimeType: mimeType, Size: int64(len(data)), Reader: bytes.NewReader(data)}
}

// OpenFile opens path for sending. The caller closes the returned closer once
// the transfer is no longer retained.
func OpenFile(path string) (Source, io.Closer, error) {
	if strings.TrimSpace(path) == "" {
		return Source{}, nil, errors.New("source path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Source{}, nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return Source{}, nil, errors.New("source path must be a file")
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Source{Name: name, MimeType: mimeType, Size: info.Size(), Reader: file}, file, nil
}

func (s Source) readChunk(c Chunk) ([]byte, error) {
	buf := make([]byte, c.Length)
	n, err := s.Reader.ReadAt(buf, c.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == c.Length) {
		return nil, fmt.Errorf("read chunk %d/%d at offset %d: %w", c.Channel, c.Index, c.Offset, err)
	}
	return buf, nil
}
