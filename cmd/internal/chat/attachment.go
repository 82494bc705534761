package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// MaxUploadBytes caps a single attachment.
const MaxUploadBytes = 20 << 20

var errTooLarge = errors.New("attachment exceeds upload limit")

// AttachmentStorage stores uploaded files under opaque relative paths.
type AttachmentStorage interface {
	// Save writes at most MaxUploadBytes from r under dir and returns the
	// relative path and the number of bytes written.
	Save(ctx context.Context, dir, ext string, r io.Reader) (string, int64, error)
	Remove(ctx context.Context, relPath string) error
	URL(relPath string) string
}

// DiskStorage keeps attachments on the local filesystem below root and
// serves them from baseURL.
type DiskStorage struct {
	root    string
	baseURL string
}

func NewDiskStorage(root, baseURL string) (*DiskStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("chat: empty storage root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("chat: storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("chat: storage root: %w", err)
	}
	return &DiskStorage{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DiskStorage) Root() string { return d.root }

func (d *DiskStorage) Save(ctx context.Context, dir, ext string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	rel := path.Join("chat", dir, uuid.NewString()+ext)
	full := filepath.Join(d.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", 0, err
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxUploadBytes {
		err = errTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return "", 0, err
	}
	return rel, n, nil
}

func (d *DiskStorage) Remove(_ context.Context, relPath string) error {
	full := filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+relPath)))
	err := os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DiskStorage) URL(relPath string) string {
	u := url.URL{Path: "/" + strings.TrimLeft(relPath, "/")}
	return d.baseURL + u.EscapedPath()
}

// classifyUpload picks the message type and default body for a mime type.
func classifyUpload(mimeType string) (MessageType, string) {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return TypeImage, "Sent an image"
	}
	return TypeDocument, "Sent a document"
}

// uploadExt derives a safe lower-case extension (with dot) from the client
// file name, falling back to the mime type.
func uploadExt(name, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !safeExt(ext) {
		ext = ""
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if !safeExt(ext) {
		return ""
	}
	return ext
}

func safeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 11 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// humanSize formats a byte count the way attachments display it ("1.5 MiB").
func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
