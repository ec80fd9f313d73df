package fetcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangleworks/vidimport/internal/adapter/fetcher"
	"github.com/tangleworks/vidimport/internal/domain"
)

func TestExtractFileID(t *testing.T) {
	cases := map[string]string{
		"https://drive.google.com/file/d/1AbCdEfGhIjKlMn/view?usp=sharing": "1AbCdEfGhIjKlMn",
		"https://drive.google.com/open?id=1AbCdEfGhIjKlMn":                 "1AbCdEfGhIjKlMn",
		"https://drive.google.com/uc?id=1AbCdEfGhIjKlMn":                   "1AbCdEfGhIjKlMn",
		"https://drive.google.com/uc?export=download&id=1AbCdEfGhIjKlMn":   "1AbCdEfGhIjKlMn",
	}
	for ref, want := range cases {
		got, err := fetcher.ExtractFileID(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, got)
	}

	_, err := fetcher.ExtractFileID("https://example.com/watch?v=nope")
	assert.ErrorIs(t, err, domain.ErrSourceInvalid)
}

// fakeDrive serves the v3 metadata+media API surface the fetcher uses.
type fakeDrive struct {
	meta      map[string]any
	media     []byte
	mediaCode int
	copies    atomic.Int32
	deletes   atomic.Int32
	quotaOnID string
}

func (f *fakeDrive) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/files/orig-file-0001/copy":
			f.copies.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "copy-file-0001"})
		case r.Method == http.MethodDelete:
			f.deletes.Add(1)
		case r.URL.Query().Get("alt") == "media":
			id := pathFileID(r.URL.Path)
			if id == f.quotaOnID {
				w.WriteHeader(http.StatusForbidden)
				_, _ = fmt.Fprint(w, `{"error":{"message":"The download quota for this file has been exceeded"}}`)
				return
			}
			if f.mediaCode != 0 {
				w.WriteHeader(f.mediaCode)
				return
			}
			_, _ = w.Write(f.media)
		default:
			_ = json.NewEncoder(w).Encode(f.meta)
		}
	}
}

func pathFileID(p string) string {
	const prefix = "/files/"
	if len(p) > len(prefix) {
		return p[len(prefix):]
	}
	return ""
}

func driveReq(t *testing.T) (domain.FetchRequest, *[]string) {
	t.Helper()
	var tracked []string
	return domain.FetchRequest{
		JobID:     "job-d",
		SourceRef: "https://drive.google.com/file/d/orig-file-0001/view",
		TempDir:   t.TempDir(),
		Progress:  func(domain.Progress) {},
		TrackTemp: func(p string) { tracked = append(tracked, p) },
	}, &tracked
}

func TestDriveFetch_APIKeyMode(t *testing.T) {
	fd := &fakeDrive{
		meta:  map[string]any{"id": "orig-file-0001", "name": "talk.mp4", "mimeType": "video/mp4", "size": "1024"},
		media: make([]byte, 1024),
	}
	srv := httptest.NewServer(fd.handler())
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL, Timeout: 5 * time.Second})
	req, tracked := driveReq(t)
	res, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "talk.mp4", res.FileName)
	assert.EqualValues(t, 1024, res.Size)
	assert.Len(t, *tracked, 1)
}

func TestDriveFetch_NonVideoMimeIsPermanent(t *testing.T) {
	fd := &fakeDrive{
		meta: map[string]any{"id": "orig-file-0001", "name": "doc.pdf", "mimeType": "application/pdf", "size": "1024"},
	}
	srv := httptest.NewServer(fd.handler())
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL})
	req, _ := driveReq(t)
	_, err := d.Fetch(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSourceDenied)
	assert.False(t, domain.Retryable(err))
	assert.Contains(t, err.Error(), "not a video")
}

func TestDriveFetch_SizeOverCap(t *testing.T) {
	fd := &fakeDrive{
		meta: map[string]any{"id": "orig-file-0001", "name": "huge.mp4", "mimeType": "video/mp4", "size": "99999999"},
	}
	srv := httptest.NewServer(fd.handler())
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL, MaxBytes: 1024})
	req, _ := driveReq(t)
	_, err := d.Fetch(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSizeExceeded)
}

func TestDriveFetch_StatusNormalization(t *testing.T) {
	for code, want := range map[int]error{
		http.StatusForbidden: domain.ErrSourceDenied,
		http.StatusNotFound:  domain.ErrSourceNotFound,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL})
		req, _ := driveReq(t)
		_, err := d.Fetch(context.Background(), req)
		assert.ErrorIs(t, err, want, "status %d", code)
		srv.Close()
	}
}

func TestDriveFetch_QuotaMessageNormalization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, `{"error":{"message":"User rate limit quota exceeded"}}`)
	}))
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL})
	req, _ := driveReq(t)
	_, err := d.Fetch(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSourceQuota)
	assert.True(t, domain.Retryable(err))
}

func TestDriveFetch_OAuthCopyBypassOnQuota(t *testing.T) {
	fd := &fakeDrive{
		meta:      map[string]any{"id": "orig-file-0001", "name": "talk.mp4", "mimeType": "video/mp4", "size": "512"},
		media:     make([]byte, 512),
		quotaOnID: "orig-file-0001",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1", "token_type": "Bearer", "expires_in": 3600,
		})
	})
	mux.Handle("/", fd.handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt",
		APIBase: srv.URL, TokenURL: srv.URL + "/token",
		Timeout: 5 * time.Second,
	})
	req, _ := driveReq(t)
	res, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 512, res.Size)
	assert.EqualValues(t, 1, fd.copies.Load(), "quota hit must trigger the copy bypass")
	assert.EqualValues(t, 1, fd.deletes.Load(), "the copy must be deleted afterwards")
}

func TestDriveFetch_CancelMidRequestStaysCanceled(t *testing.T) {
	// An operator kill cancels the worker context while the metadata
	// request is in flight; the error must keep context.Canceled in its
	// chain so the kill is terminal, not a retryable source error.
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	d := fetcher.NewDrive(fetcher.DriveConfig{APIKey: "k", APIBase: srv.URL, Timeout: 30 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	req, _ := driveReq(t)
	_, err := d.Fetch(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.False(t, domain.Retryable(err))
}

func TestDriveFetch_PublicConfirmInterstitial(t *testing.T) {
	// First public hit returns the confirm page, the confirmed hit the bytes.
	payload := append([]byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, make([]byte, 2048)...)
	var mux http.ServeMux
	mux.HandleFunc("/uc", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, `<html><a href="/uc?export=download&confirm=t0ken&id=orig-file-0001">Download anyway</a></html>`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="public.mp4"`)
		_, _ = w.Write(payload)
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	d := fetcher.NewDrive(fetcher.DriveConfig{PublicBase: srv.URL, Timeout: 5 * time.Second})
	req, _ := driveReq(t)
	res, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "public.mp4", res.FileName)
	assert.EqualValues(t, len(payload), res.Size)
}
