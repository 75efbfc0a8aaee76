package upload

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/tullo/chatlink/internal/models"
)

// Source supplies the bytes of one file.
type Source interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// FileSource reads a file from disk.
type FileSource struct {
	path string
	size int64
}

// NewFileSource stats path. A missing path or a directory is a validation
// error.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(models.ErrValidation, "file %s does not exist", path)
		}
		return nil, errors.Wrapf(models.ErrValidation, "stat %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(models.ErrValidation, "%s is a directory", path)
	}
	return &FileSource{path: path, size: info.Size()}, nil
}

func (f *FileSource) Name() string                 { return filepath.Base(f.path) }
func (f *FileSource) Size() int64                  { return f.size }
func (f *FileSource) Open() (io.ReadCloser, error) { return os.Open(f.path) }

// BytesSource serves an in-memory file.
type BytesSource struct {
	name string
	data []byte
}

// NewBytesSource wraps data under name.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

func (b *BytesSource) Name() string { return b.name }
func (b *BytesSource) Size() int64  { return int64(len(b.data)) }
func (b *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// DefaultTypes maps supported extensions to the content type sent on the wire.
var DefaultTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/x-m4a",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
	".txt":  "text/plain",
	".csv":  "text/csv",
}

// validate checks size and type before any network call and returns the
// wire content type.
func validate(src Source, maxSize int64, types map[string]string) (string, error) {
	name := src.Name()
	size := src.Size()

	if size <= 0 {
		return "", errors.Wrapf(models.ErrValidation, "%s is empty", name)
	}
	if maxSize > 0 && size > maxSize {
		return "", errors.Wrapf(models.ErrValidation, "%s is %d bytes, limit is %d", name, size, maxSize)
	}

	ext := strings.ToLower(filepath.Ext(name))
	contentType, ok := types[ext]
	if !ok {
		return "", errors.Wrapf(models.ErrValidation, "file type %q is not supported", ext)
	}

	r, err := src.Open()
	if err != nil {
		return "", errors.Wrapf(models.ErrValidation, "open %s: %v", name, err)
	}
	defer r.Close()

	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return "", errors.Wrapf(models.ErrValidation, "detect type of %s: %v", name, err)
	}
	if !allowed(detected, types) {
		return "", errors.Wrapf(models.ErrValidation, "%s looks like %s, which is not supported", name, detected.String())
	}
	return contentType, nil
}

// allowed walks the detected type and its parents, so a docx accepted as
// zip or a csv accepted as text both pass.
func allowed(detected *mimetype.MIME, types map[string]string) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, t := range types {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}
