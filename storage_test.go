package chatsync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	chatsync "github.com/wachat/chatsync"
)

func newStorageServer(t *testing.T, opts ...chatsync.RelayOption) *httptest.Server {
	t.Helper()
	relay := chatsync.NewRelay(chatsync.NewMemoryStore(), newAuthService(t, nil), opts...)
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return srv
}

func TestStorageClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newStorageServer(t)
	client := chatsync.NewStorageClient(srv.URL, chatsync.DefaultBucket)

	data := []byte("\x89PNG fake image")
	url, err := client.Upload(ctx, "u1/u1_abc.png", data, "image/png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := srv.URL + "/storage/v1/object/public/users/u1/u1_abc.png"; url != want {
		t.Fatalf("expected %s, got %s", want, url)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET public url: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, data) {
		t.Fatalf("expected stored bytes, got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Fatalf("expected image/png, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "max-age=3600" {
		t.Fatalf("expected max-age=3600, got %q", got)
	}

	// upsert replaces the object
	if _, err := client.Upload(ctx, "u1/u1_abc.png", []byte("v2"), "image/png"); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if _, err := client.Upload(ctx, "u1/u1_def.jpg", []byte("jpg"), "image/jpeg"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := client.Upload(ctx, "u2/u2_xyz.png", []byte("other"), "image/png"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	paths, err := client.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := strings.Join(paths, ","); got != "u1/u1_abc.png,u1/u1_def.jpg" {
		t.Fatalf("expected u1 objects only, got %s", got)
	}

	if err := client.Delete(ctx, "u1/u1_abc.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	paths, _ = client.List(ctx, "u1")
	if got := strings.Join(paths, ","); got != "u1/u1_def.jpg" {
		t.Fatalf("expected one object left, got %s", got)
	}

	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("GET deleted object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestStorageClientAPIKey(t *testing.T) {
	ctx := context.Background()
	srv := newStorageServer(t, chatsync.WithStorageKey("storage-key"))

	anonymous := chatsync.NewStorageClient(srv.URL, chatsync.DefaultBucket)
	if _, err := anonymous.Upload(ctx, "u1/a.png", []byte("x"), "image/png"); err == nil {
		t.Fatal("expected upload without key to fail")
	}

	keyed := chatsync.NewStorageClient(srv.URL, chatsync.DefaultBucket, chatsync.WithStorageAPIKey("storage-key"))
	if _, err := keyed.Upload(ctx, "u1/a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Upload with key: %v", err)
	}
	if _, err := keyed.List(ctx, "u1"); err != nil {
		t.Fatalf("List with key: %v", err)
	}
}

type recordedRequest struct {
	method  string
	path    string
	escaped string
	header  http.Header
	body    string
}

func TestStorageClientRequests(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, recordedRequest{
			method:  r.Method,
			path:    r.URL.Path,
			escaped: r.URL.EscapedPath(),
			header:  r.Header.Clone(),
			body:    string(b),
		})
		mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/storage/v1/object/list/") {
			_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "a.png"}})
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	request := func(i int) recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return seen[i]
	}

	client := chatsync.NewStorageClient(srv.URL, "users",
		chatsync.WithStorageAPIKey("k1"),
		chatsync.WithCacheControl(10*time.Minute),
	)
	if _, err := client.Upload(ctx, "u1/photo 1.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	up := request(0)
	if up.method != http.MethodPost || up.escaped != "/storage/v1/object/users/u1/photo%201.png" {
		t.Fatalf("unexpected upload request %s %s", up.method, up.escaped)
	}
	if up.header.Get("x-upsert") != "true" || up.header.Get("Cache-Control") != "max-age=600" {
		t.Fatalf("unexpected upload headers: %v", up.header)
	}
	if up.header.Get("apikey") != "k1" || up.header.Get("Authorization") != "Bearer k1" {
		t.Fatalf("expected api key headers, got %v", up.header)
	}
	if up.header.Get("Content-Type") != "image/png" || up.body != "x" {
		t.Fatalf("expected raw image body, got %q (%s)", up.body, up.header.Get("Content-Type"))
	}

	paths, err := client.List(ctx, "/u1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 1 || paths[0] != "u1/a.png" {
		t.Fatalf("expected [u1/a.png], got %v", paths)
	}
	if list := request(1); !strings.Contains(list.body, `"prefix":"u1"`) {
		t.Fatalf("expected trimmed prefix in list body, got %s", list.body)
	}

	if err := client.Delete(ctx, "u1/a.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	del := request(2)
	if del.method != http.MethodDelete || del.path != "/storage/v1/object/users" {
		t.Fatalf("unexpected delete request %s %s", del.method, del.path)
	}
	if del.body != `{"prefixes":["u1/a.png"]}` {
		t.Fatalf("unexpected delete body %s", del.body)
	}
}

func TestImageContentType(t *testing.T) {
	tests := map[string]string{
		"png":  "image/png",
		".PNG": "image/png",
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"gif":  "image/gif",
		"":     "application/octet-stream",
	}
	for ext, want := range tests {
		if got := chatsync.ImageContentType(ext); got != want {
			t.Fatalf("ImageContentType(%q): expected %q, got %q", ext, want, got)
		}
	}
	if got := chatsync.PhotoExt("IMG_0001.JPG"); got != "jpg" {
		t.Fatalf("expected jpg, got %q", got)
	}
}
