package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultTransferTimeout = 10 * time.Minute
)

// S3Config describes an S3-compatible object store addressed path-style.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKey       string
	SecretKey       string
	Bucket          string
	UseSSL          bool
	Prefix          string
	PublicBaseURL   string
	RemoteSchemes   []string
	RequestTimeout  time.Duration
	TransferTimeout time.Duration
	HTTPClient      *http.Client
}

// S3Client talks to an S3-compatible endpoint with SigV4 signed requests.
type S3Client struct {
	Resolver

	cfg        S3Config
	endpoint   *url.URL
	httpClient *http.Client
	signer     sigV4Signer

	bucketMu    sync.Mutex
	bucketReady atomic.Bool
}

// NewS3Client validates cfg and returns a client. No network calls are made
// until the first operation.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	basePath := ""
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse s3 endpoint: %w", err)
		}
		endpoint = parsed.Host
		basePath = strings.TrimRight(parsed.Path, "/")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint %q has no host", cfg.Endpoint)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &S3Client{
		Resolver:   NewResolver(cfg.RemoteSchemes),
		cfg:        cfg,
		endpoint:   &url.URL{Scheme: scheme, Host: endpoint, Path: basePath},
		httpClient: httpClient,
		signer:     newSigV4Signer(cfg.AccessKey, cfg.SecretKey, cfg.Region),
	}, nil
}

// EnsureBucket creates the configured bucket when it does not exist. Success
// is remembered for the client's lifetime; failures are retried on the next
// call.
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	if c.bucketReady.Load() {
		return nil
	}
	c.bucketMu.Lock()
	defer c.bucketMu.Unlock()
	if c.bucketReady.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	status, err := c.do(ctx, http.MethodHead, c.objectURL(c.cfg.Bucket, ""), nil, emptyPayloadHash, "")
	if err != nil {
		return &StorageError{Op: "head-bucket", Key: c.cfg.Bucket, Err: err}
	}
	switch {
	case status >= 200 && status < 300:
		c.bucketReady.Store(true)
		return nil
	case status != http.StatusNotFound:
		return &StorageError{Op: "head-bucket", Key: c.cfg.Bucket, StatusCode: status}
	}

	var body []byte
	if c.signer.region != defaultRegion {
		body = []byte(fmt.Sprintf(
			`<CreateBucketConfiguration xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><LocationConstraint>%s</LocationConstraint></CreateBucketConfiguration>`,
			c.signer.region,
		))
	}
	status, err = c.do(ctx, http.MethodPut, c.objectURL(c.cfg.Bucket, ""), bytes.NewReader(body), hashSHA256Hex(body), "")
	if err != nil {
		return &StorageError{Op: "create-bucket", Key: c.cfg.Bucket, Err: err}
	}
	// 409 covers BucketAlreadyOwnedByYou when another worker won the race.
	if (status >= 200 && status < 300) || status == http.StatusConflict {
		c.bucketReady.Store(true)
		return nil
	}
	return &StorageError{Op: "create-bucket", Key: c.cfg.Bucket, StatusCode: status}
}

// Download fetches a remote object into destination, replacing any existing
// file. Local references are copied.
func (c *S3Client) Download(ctx context.Context, ref Reference, destination string) error {
	if ref.Kind == KindLocal {
		return copyLocalFile(ref.Path, destination)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	target := c.objectURL(ref.Bucket, ref.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	c.signer.sign(req, emptyPayloadHash)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &StorageError{Op: "download", Key: ref.String(), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StorageError{Op: "download", Key: ref.String(), StatusCode: resp.StatusCode}
	}
	if err := writeFileAtomic(destination, resp.Body); err != nil {
		return &StorageError{Op: "download", Key: ref.String(), Err: err}
	}
	return nil
}

// Upload streams localPath to key in the configured bucket. An existing
// object at the same key is overwritten.
func (c *S3Client) Upload(ctx context.Context, localPath, key, contentType string) error {
	finalKey := c.applyPrefix(key)
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer file.Close()

	payloadHash, size, err := hashReaderSHA256Hex(file)
	if err != nil {
		return fmt.Errorf("hash upload source: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind upload source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	target := c.objectURL(c.cfg.Bucket, finalKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), file)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size
	if contentType == "" {
		contentType = ContentTypeFor(finalKey)
	}
	req.Header.Set("Content-Type", contentType)
	c.signer.sign(req, payloadHash)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &StorageError{Op: "upload", Key: finalKey, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StorageError{Op: "upload", Key: finalKey, StatusCode: resp.StatusCode}
	}
	return nil
}

// PublicURL returns the public address of key. Without a configured public
// base the bucket URL on the endpoint is used.
func (c *S3Client) PublicURL(key string) string {
	finalKey := c.applyPrefix(key)
	base := strings.TrimSpace(c.cfg.PublicBaseURL)
	if base == "" {
		base = c.objectURL(c.cfg.Bucket, "").String()
	}
	return JoinPublicURL(base, finalKey)
}

func (c *S3Client) do(ctx context.Context, method string, target *url.URL, body io.Reader, payloadHash, contentType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.signer.sign(req, payloadHash)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *S3Client) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *S3Client) objectURL(bucket, key string) *url.URL {
	p := c.endpoint.Path + "/" + strings.Trim(bucket, "/")
	if trimmedKey := strings.TrimLeft(key, "/"); trimmedKey != "" {
		p += "/" + trimmedKey
	}
	u := *c.endpoint
	u.Path = p
	u.RawPath = awsURIEncode(p, false)
	return &u
}

var _ Client = (*S3Client)(nil)
