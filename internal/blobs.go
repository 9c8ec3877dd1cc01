package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned by Open for unknown refs.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the opaque media capability. The chat core never interprets
// blob bytes; it stores the returned ref on the message and serves it back.
type BlobStore interface {
	// Save stores the content and returns an opaque ref. The original
	// filename is only consulted for its extension.
	Save(filename string, r io.Reader) (string, error)
	// Open returns a reader for a previously saved ref.
	Open(ref string) (io.ReadCloser, error)
}

// DiskBlobStore keeps blobs as flat files under a single directory, named by
// a fresh uuid plus the original extension so refs leak nothing about the
// uploader.
type DiskBlobStore struct {
	dir string
}

func NewDiskBlobStore(dir string) (*DiskBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskBlobStore{dir: dir}, nil
}

func (b *DiskBlobStore) Save(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 {
		ext = ""
	}
	ref := uuid.NewString() + ext

	path := filepath.Join(b.dir, ref)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return ref, nil
}

func (b *DiskBlobStore) Open(ref string) (io.ReadCloser, error) {
	if !validBlobRef(ref) {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(filepath.Join(b.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return f, nil
}

// validBlobRef rejects anything that could escape the blob directory.
func validBlobRef(ref string) bool {
	if ref == "" || strings.ContainsAny(ref, "/\\") || strings.Contains(ref, "..") {
		return false
	}
	return true
}
