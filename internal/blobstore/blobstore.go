// Package blobstore resolves flight source references and moves files between
// the local filesystem and an object store.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Kind distinguishes references that live in the object store from paths on
// the local filesystem.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

func (k Kind) String() string {
	if k == KindRemote {
		return "remote"
	}
	return "local"
}

// Reference is a parsed source reference. Remote references carry Scheme,
// Bucket and Key. Local references carry an absolute Path.
type Reference struct {
	Kind   Kind
	Scheme string
	Bucket string
	Key    string
	Path   string
}

func (r Reference) String() string {
	if r.Kind == KindRemote {
		return r.Scheme + "://" + r.Bucket + "/" + r.Key
	}
	return r.Path
}

var (
	// ErrInvalidReference reports a reference that can never be resolved.
	ErrInvalidReference = errors.New("invalid blob reference")
	// ErrNotFound reports that the referenced object or file does not exist.
	ErrNotFound = errors.New("blob not found")
)

// StorageError wraps transport, permission and server failures of the object
// store. These are usually transient.
type StorageError struct {
	Op         string
	Key        string
	StatusCode int
	Err        error
}

func (e *StorageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("blobstore %s %s: unexpected status %d", e.Op, e.Key, e.StatusCode)
	}
	return fmt.Sprintf("blobstore %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Client is the object store surface the publish job depends on.
type Client interface {
	Resolve(reference string) (Reference, error)
	EnsureBucket(ctx context.Context) error
	Download(ctx context.Context, ref Reference, destination string) error
	Upload(ctx context.Context, localPath, key, contentType string) error
	PublicURL(key string) string
}

// DefaultRemoteSchemes lists the URI schemes treated as object store
// references when none are configured.
var DefaultRemoteSchemes = []string{"s3", "blob"}

// Resolver parses source references against a set of remote schemes.
type Resolver struct {
	schemes map[string]struct{}
	workDir func() (string, error)
}

// NewResolver builds a resolver for the given remote schemes. An empty list
// falls back to DefaultRemoteSchemes.
func NewResolver(schemes []string) Resolver {
	if len(schemes) == 0 {
		schemes = DefaultRemoteSchemes
	}
	set := make(map[string]struct{}, len(schemes))
	for _, scheme := range schemes {
		trimmed := strings.ToLower(strings.TrimSpace(scheme))
		if trimmed == "" || trimmed == "file" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return Resolver{schemes: set, workDir: os.Getwd}
}

// Resolve classifies reference. scheme://bucket/key for a configured remote
// scheme is remote; file://path and plain paths are local.
func (r Resolver) Resolve(reference string) (Reference, error) {
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	scheme, rest, hasScheme := strings.Cut(trimmed, "://")
	if !hasScheme || !isSchemeToken(scheme) {
		return r.local(trimmed)
	}
	scheme = strings.ToLower(scheme)
	if scheme == "file" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		local := parsed.Path
		if parsed.Host != "" && parsed.Host != "localhost" {
			local = parsed.Host + "/" + strings.TrimLeft(local, "/")
		}
		return r.local(local)
	}
	if _, ok := r.schemes[scheme]; !ok {
		return Reference{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, scheme)
	}

	bucket, key, _ := strings.Cut(rest, "/")
	key = strings.TrimLeft(key, "/")
	if bucket == "" || key == "" {
		return Reference{}, fmt.Errorf("%w: %q must name a bucket and key", ErrInvalidReference, trimmed)
	}
	return Reference{Kind: KindRemote, Scheme: scheme, Bucket: bucket, Key: key}, nil
}

func (r Resolver) local(p string) (Reference, error) {
	if p == "" {
		return Reference{}, fmt.Errorf("%w: empty path", ErrInvalidReference)
	}
	if !filepath.IsAbs(p) {
		wd := os.Getwd
		if r.workDir != nil {
			wd = r.workDir
		}
		dir, err := wd()
		if err != nil {
			return Reference{}, fmt.Errorf("resolve working directory: %w", err)
		}
		p = filepath.Join(dir, p)
	}
	return Reference{Kind: KindLocal, Path: filepath.Clean(p)}, nil
}

func isSchemeToken(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

const (
	ContentTypeManifest = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/MP2T"
	ContentTypeDefault  = "application/octet-stream"
)

// ContentTypeFor picks the Content-Type for an HLS artifact by extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return ContentTypeManifest
	case ".ts":
		return ContentTypeSegment
	default:
		return ContentTypeDefault
	}
}

// JoinPublicURL joins a public base URL and an object key with exactly one
// slash between them.
func JoinPublicURL(base, key string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(key, "/")
}

// HLSKey is the object key of an HLS artifact for a flight.
func HLSKey(flightID int64, name string) string {
	return fmt.Sprintf("hls/%d/%s", flightID, strings.TrimLeft(name, "/"))
}

// copyLocalFile copies src over dst through a temporary file in dst's
// directory so a failed copy never leaves a truncated destination.
func copyLocalFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return err
	}
	defer in.Close()
	return writeFileAtomic(dst, in)
}
