package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemClientRoundTrip(t *testing.T) {
	root := t.TempDir()
	client, err := NewFilesystemClient(FilesystemConfig{Root: root, Bucket: "flights", PublicBaseURL: "http://localhost:8080/media"})
	if err != nil {
		t.Fatalf("NewFilesystemClient returned error: %v", err)
	}
	ctx := context.Background()
	if err := client.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket returned error: %v", err)
	}

	src := writeTempFile(t, "index.m3u8", []byte("#EXTM3U\n"))
	if err := client.Upload(ctx, src, "hls/4/index.m3u8", ContentTypeManifest); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	stored, err := os.ReadFile(filepath.Join(root, "flights", "hls", "4", "index.m3u8"))
	if err != nil {
		t.Fatalf("read stored object: %v", err)
	}
	if string(stored) != "#EXTM3U\n" {
		t.Fatalf("unexpected stored contents %q", stored)
	}
	contentType, err := client.ContentType("hls/4/index.m3u8")
	if err != nil {
		t.Fatalf("ContentType returned error: %v", err)
	}
	if contentType != ContentTypeManifest {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if got := client.PublicURL("hls/4/index.m3u8"); got != "http://localhost:8080/media/hls/4/index.m3u8" {
		t.Fatalf("unexpected public url %q", got)
	}

	ref, err := client.Resolve("blob://flights/hls/4/index.m3u8")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "copy.m3u8")
	if err := client.Download(ctx, ref, dest); err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	if data, _ := os.ReadFile(dest); string(data) != "#EXTM3U\n" {
		t.Fatalf("unexpected downloaded contents %q", data)
	}
}

func TestFilesystemClientDownloadMissing(t *testing.T) {
	client, err := NewFilesystemClient(FilesystemConfig{Root: t.TempDir(), Bucket: "flights"})
	if err != nil {
		t.Fatalf("NewFilesystemClient returned error: %v", err)
	}
	ref := Reference{Kind: KindRemote, Scheme: "s3", Bucket: "raw", Key: "absent.mp4"}
	err = client.Download(context.Background(), ref, filepath.Join(t.TempDir(), "out.mp4"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	local := Reference{Kind: KindLocal, Path: filepath.Join(t.TempDir(), "absent.mp4")}
	err = client.Download(context.Background(), local, filepath.Join(t.TempDir(), "out.mp4"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for local source, got %v", err)
	}
}

func TestFilesystemClientRejectsEscapingKeys(t *testing.T) {
	client, err := NewFilesystemClient(FilesystemConfig{Root: t.TempDir(), Bucket: "flights"})
	if err != nil {
		t.Fatalf("NewFilesystemClient returned error: %v", err)
	}
	src := writeTempFile(t, "x.ts", []byte("x"))
	for _, key := range []string{"../../etc/passwd", "..", "hls/../..", ""} {
		if err := client.Upload(context.Background(), src, key, ""); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("Upload(%q): expected ErrInvalidReference, got %v", key, err)
		}
	}
}

func TestFilesystemClientAcceptsDotPrefixedKeys(t *testing.T) {
	root := t.TempDir()
	client, err := NewFilesystemClient(FilesystemConfig{Root: root, Bucket: "flights"})
	if err != nil {
		t.Fatalf("NewFilesystemClient returned error: %v", err)
	}
	src := writeTempFile(t, "clip.mp4", []byte("clip"))
	for _, key := range []string{"..clip.mp4", "raw/..hidden/clip.mp4"} {
		if err := client.Upload(context.Background(), src, key, ""); err != nil {
			t.Fatalf("Upload(%q) returned error: %v", key, err)
		}
		if _, err := os.Stat(filepath.Join(root, "flights", filepath.FromSlash(key))); err != nil {
			t.Fatalf("expected %q to be stored: %v", key, err)
		}
	}
}

func TestFilesystemClientDefaultPublicURL(t *testing.T) {
	root := t.TempDir()
	client, err := NewFilesystemClient(FilesystemConfig{Root: root, Bucket: "flights"})
	if err != nil {
		t.Fatalf("NewFilesystemClient returned error: %v", err)
	}
	want := "file://" + filepath.ToSlash(filepath.Join(root, "flights")) + "/hls/1/index.m3u8"
	if got := client.PublicURL("hls/1/index.m3u8"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
