package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeServer serves one fixed body with HEAD and Range support,
// counting body transfers.
func rangeServer(t *testing.T, body []byte, gets *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		case http.MethodGet:
			gets.Add(1)
			if rng := r.Header.Get("Range"); rng != "" {
				var from int
				_, err := fmt.Sscanf(rng, "bytes=%d-", &from)
				require.NoError(t, err)
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(body[from:])
				return
			}
			_, _ = w.Write(body)
		}
	}))
}

func TestFetcher_ResumesPartialFile(t *testing.T) {
	body := []byte(strings.Repeat("registry-data-", 100))
	var gets atomic.Int32
	srv := rangeServer(t, body, &gets)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "yldandmed.json.zip")
	require.NoError(t, os.WriteFile(dest, body[:37], 0o644))

	f := New(srv.URL + "/")
	changed := f.Run(context.Background(), []Item{{File: "yldandmed.json.zip", Dest: dest}})
	assert.True(t, changed)
	assert.Equal(t, int32(1), gets.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got, "resumed file must equal the full remote body")
}

func TestFetcher_SkipsCompleteFile(t *testing.T) {
	body := []byte("complete payload")
	var gets atomic.Int32
	srv := rangeServer(t, body, &gets)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.zip")
	require.NoError(t, os.WriteFile(dest, body, 0o644))

	f := New(srv.URL + "/")
	changed := f.Run(context.Background(), []Item{{File: "f.zip", Dest: dest}})
	assert.False(t, changed)
	assert.Equal(t, int32(0), gets.Load(), "no body transfer when local size matches")
}

func TestFetcher_DownloadsFresh(t *testing.T) {
	body := []byte("fresh payload")
	var gets atomic.Int32
	srv := rangeServer(t, body, &gets)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.zip")
	f := New(srv.URL + "/")
	changed := f.Run(context.Background(), []Item{{File: "f.zip", Dest: dest}})
	assert.True(t, changed)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetcher_PartialTransferStillSignalsChange(t *testing.T) {
	// The server advertises more bytes than it sends, so the copy fails
	// after some bytes landed. The local file changed, and the caller's
	// merge-warranted signal must say so.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("short"))
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.zip")
	f := New(srv.URL + "/")
	changed := f.Run(context.Background(), []Item{{File: "f.zip", Dest: dest}})
	assert.True(t, changed)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestFetcher_IsolatesFailures(t *testing.T) {
	body := []byte("ok")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.zip")
	bad := filepath.Join(dir, "bad.zip")

	f := New(srv.URL + "/")
	changed := f.Run(context.Background(), []Item{
		{File: "good.zip", Dest: good},
		{File: "bad.zip", Dest: bad},
	})
	assert.True(t, changed, "good file must land despite the failing one")

	got, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err))
}
