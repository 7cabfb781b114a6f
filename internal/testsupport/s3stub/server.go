// Package s3stub is an in-memory, path-style S3 endpoint for tests.
package s3stub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type Object struct {
	Body        []byte
	ContentType string
}

type Request struct {
	Method        string
	Bucket        string
	Key           string
	EscapedPath   string
	Authorization string
	ContentSHA    string
	ContentType   string
}

// Server stores objects per bucket.
type Server struct {
	mu       sync.Mutex
	objects  map[string]map[string]Object
	requests []Request
	failPut  func(bucket, key string) int
}

func New() *Server {
	return &Server{objects: make(map[string]map[string]Object)}
}

// Start serves s on a local httptest server. Callers close the returned
// server.
func Start() (*Server, *httptest.Server) {
	s := New()
	return s, httptest.NewServer(s)
}

// FailPuts installs fn to force a status code for object PUTs. fn returning 0
// lets the request through; a nil fn clears the hook.
func (s *Server) FailPuts(fn func(bucket, key string) int) {
	s.mu.Lock()
	s.failPut = fn
	s.mu.Unlock()
}

func (s *Server) AddBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[name]; !exists {
		s.objects[name] = make(map[string]Object)
	}
}

func (s *Server) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok
}

func (s *Server) PutObject(bucket, key string, body []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[bucket]; !exists {
		s.objects[bucket] = make(map[string]Object)
	}
	s.objects[bucket][key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
}

func (s *Server) GetObject(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.objects[bucket]
	if !ok {
		return Object{}, false
	}
	obj, ok := objs[key]
	if !ok {
		return Object{}, false
	}
	obj.Body = append([]byte(nil), obj.Body...)
	return obj, true
}

// Keys lists the object keys in bucket with the given prefix.
func (s *Server) Keys(bucket, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts recorded requests matching method and key. An empty
// key matches bucket-level requests.
func (s *Server) CountRequests(method, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Method == method && req.Key == key {
			count++
		}
	}
	return count
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parsePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Bucket:        bucket,
		Key:           key,
		EscapedPath:   r.URL.EscapedPath(),
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
		ContentType:   r.Header.Get("Content-Type"),
	})
	failPut := s.failPut
	s.mu.Unlock()

	if key == "" {
		s.serveBucket(w, r, bucket)
		return
	}
	if r.Method == http.MethodPut && failPut != nil {
		if status := failPut(bucket, key); status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucketObjects, exists := s.objects[bucket]
	if !exists {
		http.Error(w, "NoSuchBucket", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = Object{Body: body, ContentType: r.Header.Get("Content-Type")}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		obj, ok := bucketObjects[key]
		if !ok {
			http.Error(w, "NoSuchKey", http.StatusNotFound)
			return
		}
		if obj.ContentType != "" {
			w.Header().Set("Content-Type", obj.ContentType)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.Body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.Body)
		}
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.objects[bucket]
	switch r.Method {
	case http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if exists {
			http.Error(w, "BucketAlreadyOwnedByYou", http.StatusConflict)
			return
		}
		s.objects[bucket] = make(map[string]Object)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parsePath(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	bucket, key, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	return bucket, key, nil
}
