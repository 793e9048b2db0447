package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/pkg/models"
)

func newTestClient(base string) *Client {
	c := NewClient(base)
	c.Log = zerolog.Nop()
	return c
}

func TestDownloadURL(t *testing.T) {
	c := newTestClient("http://relay.example:8080/")
	got := c.DownloadURL("f1", "a+b/c==")
	want := "http://relay.example:8080/v1/sessions/files/f1?session_seed=a%2Bb%2Fc%3D%3D"
	if got != want {
		t.Fatalf("url = %s", got)
	}
}

func TestUpload_SendsSeedAndBody(t *testing.T) {
	var gotPath, gotSeed, gotType string
	var gotLen int64
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		gotPath = r.URL.Path
		gotSeed = r.Header.Get(models.SessionSeedHeader)
		gotType = r.Header.Get("Content-Type")
		gotLen = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.Progress = io.Discard
	if err := c.Upload(context.Background(), "seed", "f1", []byte("hello")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotPath != "/v1/sessions/files/f1" || gotSeed != "seed" || gotType != "application/octet-stream" {
		t.Fatalf("path=%s seed=%s type=%s", gotPath, gotSeed, gotType)
	}
	if gotLen != 5 || string(gotBody) != "hello" {
		t.Fatalf("len=%d body=%q", gotLen, gotBody)
	}
}

func TestUpload_NonSuccessIsErrStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Upload(context.Background(), "s", "f1", []byte("x"))
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("upload attempted %d times", n)
	}
}

func TestDownload_WritesFileWithDigest(t *testing.T) {
	payload := bytes.Repeat([]byte("fbox"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(models.SessionSeedQuery) != "seed" {
			http.Error(w, "bad seed", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="../../report.txt"`)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := newTestClient(srv.URL)
	c.Progress = io.Discard
	res, err := c.Download(context.Background(), "f1", "seed", dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Path != filepath.Join(dir, "report.txt") {
		t.Fatalf("path escaped download dir: %s", res.Path)
	}
	if res.Bytes != int64(len(payload)) || res.Digest != Digest(payload) {
		t.Fatalf("result = %#v", res)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("file content mismatch: %v", err)
	}

	if _, err := c.Download(context.Background(), "f1", "wrong", dir); !errors.Is(err, ErrStatus) {
		t.Fatalf("bad seed err = %v", err)
	}
}

func TestDownload_FallsBackToID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := newTestClient(srv.URL).Download(context.Background(), "f-42", "s", dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(res.Path) != "f-42" {
		t.Fatalf("path = %s", res.Path)
	}
}

func TestNewPhrase_RetriesAfterTooManyRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"phrase":"one two three four five six"}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).NewPhrase(context.Background())
	if err != nil {
		t.Fatalf("NewPhrase: %v", err)
	}
	if p != "one two three four five six" || atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("phrase=%q hits=%d", p, hits)
	}
}

func TestAttachmentName(t *testing.T) {
	for in, want := range map[string]string{
		``:                                    "",
		`attachment; filename="a.txt"`:        "a.txt",
		`attachment; filename="../../etc/pw"`: "pw",
		`attachment; filename=".."`:           "",
		`garbage;;`:                           "",
	} {
		if got := attachmentName(in); got != want {
			t.Fatalf("attachmentName(%q) = %q, want %q", in, got, want)
		}
	}
}
