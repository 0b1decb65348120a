// Package fetch downloads the published source archives, resuming
// partial files with ranged requests.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const userAgent = "ariregister-cli/1.0"

// Item is one (remote filename, local destination) pair.
type Item struct {
	File string
	Dest string
}

// Fetcher downloads items concurrently, one worker per file. A failure
// on one file never affects the others: it is logged and the file is
// left incomplete for the next invocation to resume. There is no retry
// loop here; callers re-invoke.
type Fetcher struct {
	BaseURL string
	Client  *http.Client
}

func New(baseURL string) *Fetcher {
	return &Fetcher{BaseURL: baseURL, Client: http.DefaultClient}
}

// Run downloads all items and reports whether at least one local file
// changed, so the caller can decide whether a merge is warranted.
func (f *Fetcher) Run(ctx context.Context, items []Item) bool {
	var wg sync.WaitGroup
	var changed atomic.Bool

	for _, item := range items {
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			got, err := f.fetchOne(ctx, item)
			if got {
				// A failed transfer may still have appended bytes;
				// the local file changed either way.
				changed.Store(true)
			}
			if err != nil {
				log.Printf("fetch %s: %v", item.File, err)
			}
		}(item)
	}
	wg.Wait()
	return changed.Load()
}

// fetchOne probes the remote size, then either skips a complete local
// file or issues a ranged request starting at the local byte offset
// and appends the body. Returns whether the local file changed.
func (f *Fetcher) fetchOne(ctx context.Context, item Item) (bool, error) {
	url := f.BaseURL + item.File

	remoteSize, err := f.remoteSize(ctx, url)
	if err != nil {
		return false, err
	}

	var localSize int64
	if info, err := os.Stat(item.Dest); err == nil {
		localSize = info.Size()
	}
	if remoteSize > 0 && localSize >= remoteSize {
		return false, nil // already complete
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", userAgent)
	if localSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", localSize))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }() // safe to ignore

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range; start over.
		flags |= os.O_TRUNC
	default:
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(item.Dest, flags, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close() // ignore error
		return true, fmt.Errorf("write body: %w", err)
	}
	if err := out.Close(); err != nil {
		return true, err
	}
	return true, nil
}

// remoteSize issues the metadata probe. A zero size with no error
// means the server did not advertise a length.
func (f *Fetcher) remoteSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }() // safe to ignore

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe: unexpected status %s", resp.Status)
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
