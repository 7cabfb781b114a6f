package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemConfig stores objects as plain files, which is enough for local
// development and for serving HLS from a static file server.
type FilesystemConfig struct {
	Root          string
	Bucket        string
	PublicBaseURL string
	RemoteSchemes []string
}

// FilesystemClient lays objects out as <root>/<bucket>/<key>. Content types
// are recorded in JSON sidecars under <root>/.meta/<bucket>/<key>.json.
type FilesystemClient struct {
	Resolver

	root   string
	bucket string
	public string
}

type objectMeta struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func NewFilesystemClient(cfg FilesystemConfig) (*FilesystemClient, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("filesystem root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve filesystem root: %w", err)
	}
	bucket := strings.Trim(strings.TrimSpace(cfg.Bucket), "/")
	if bucket == "" {
		return nil, errors.New("filesystem bucket is required")
	}
	public := strings.TrimSpace(cfg.PublicBaseURL)
	if public == "" {
		public = (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(abs, bucket))}).String()
	}
	return &FilesystemClient{
		Resolver: NewResolver(cfg.RemoteSchemes),
		root:     abs,
		bucket:   bucket,
		public:   public,
	}, nil
}

func (c *FilesystemClient) EnsureBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(c.root, c.bucket), 0o755); err != nil {
		return &StorageError{Op: "create-bucket", Key: c.bucket, Err: err}
	}
	return nil
}

func (c *FilesystemClient) Download(ctx context.Context, ref Reference, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.Kind == KindLocal {
		return copyLocalFile(ref.Path, destination)
	}
	src, err := c.objectPath(ref.Bucket, ref.Key)
	if err != nil {
		return err
	}
	if err := copyLocalFile(src, destination); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return &StorageError{Op: "download", Key: ref.String(), Err: err}
	}
	return nil
}

func (c *FilesystemClient) Upload(ctx context.Context, localPath, key, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := c.objectPath(c.bucket, key)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer src.Close()
	if err := writeFileAtomic(dst, src); err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	meta, err := json.Marshal(objectMeta{ContentType: contentType, Size: info.Size()})
	if err != nil {
		return fmt.Errorf("encode object metadata: %w", err)
	}
	metaPath := filepath.Join(c.root, ".meta", c.bucket, filepath.FromSlash(strings.TrimLeft(key, "/"))+".json")
	if err := writeFileAtomic(metaPath, strings.NewReader(string(meta))); err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}
	return nil
}

// ContentType returns the content type recorded for key at upload time.
func (c *FilesystemClient) ContentType(key string) (string, error) {
	metaPath := filepath.Join(c.root, ".meta", c.bucket, filepath.FromSlash(strings.TrimLeft(key, "/"))+".json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", err
	}
	var meta objectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("decode object metadata: %w", err)
	}
	return meta.ContentType, nil
}

func (c *FilesystemClient) PublicURL(key string) string {
	return JoinPublicURL(c.public, key)
}

// objectPath maps bucket/key to a path under the root, rejecting keys that
// would escape it.
func (c *FilesystemClient) objectPath(bucket, key string) (string, error) {
	bucketDir := filepath.Join(c.root, filepath.Clean("/" + bucket))
	p := filepath.Join(bucketDir, filepath.FromSlash(strings.TrimLeft(key, "/")))
	rel, err := filepath.Rel(bucketDir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes bucket", ErrInvalidReference, key)
	}
	return p, nil
}

// writeFileAtomic writes r to a temporary file beside dst and renames it into
// place.
func writeFileAtomic(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

var _ Client = (*FilesystemClient)(nil)
