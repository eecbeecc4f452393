package hls

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlaylistServer(t *testing.T, files map[string]string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloader_Download(t *testing.T) {
	files := map[string]string{
		"/master.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=10\nlo.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=20\nhi.m3u8\n",
		"/hi.m3u8":     "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXT-X-TARGETDURATION:2\n",
		"/init.mp4":    "INIT",
	}
	var sb strings.Builder
	sb.WriteString(files["/hi.m3u8"])
	var want bytes.Buffer
	want.WriteString("INIT")
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("/seg%02d.m4s", i)
		files[name] = fmt.Sprintf("[%02d]", i)
		want.WriteString(files[name])
		sb.WriteString("#EXTINF:2,\n" + strings.TrimPrefix(name, "/") + "\n")
	}
	sb.WriteString("#EXT-X-ENDLIST\n")
	files["/hi.m3u8"] = sb.String()
	srv := newPlaylistServer(t, files)

	var mu sync.Mutex
	var statuses []string
	d := NewDownloader(NewHTTPFetcher(srv.Client(), "test-agent", nil))
	var out bytes.Buffer
	res, err := d.Download(context.Background(), srv.URL+"/master.m3u8", &out, DownloadOptions{
		Workers: 4,
		OnStatus: func(s string) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, want.String(), out.String())
	assert.Equal(t, 12, res.Segments)
	assert.Equal(t, int64(want.Len()), res.Bytes)
	assert.True(t, res.Fmp4)
	assert.Equal(t, "mp4", res.Ext())
	assert.Equal(t, srv.URL+"/hi.m3u8", res.MediaURL)

	require.NotEmpty(t, statuses)
	assert.Equal(t, "loading playlist", statuses[0])
	assert.Contains(t, statuses, "selecting variant")
	assert.Contains(t, statuses, "downloading 0/12")
	assert.Contains(t, statuses, "downloading 12/12")
	assert.Equal(t, "done", statuses[len(statuses)-1])
}

func TestDownloader_SegmentFailureWritesNothing(t *testing.T) {
	srv := newPlaylistServer(t, map[string]string{
		"/index.m3u8": "#EXTM3U\n#EXTINF:2,\na.ts\n#EXTINF:2,\nmissing.ts\n#EXT-X-ENDLIST\n",
		"/a.ts":       "AAAA",
	})
	d := NewDownloader(NewHTTPFetcher(srv.Client(), "", nil))
	var out bytes.Buffer
	var mu sync.Mutex
	var last string
	_, err := d.Download(context.Background(), srv.URL+"/index.m3u8", &out, DownloadOptions{
		Workers: 2,
		OnStatus: func(s string) {
			mu.Lock()
			last = s
			mu.Unlock()
		},
	})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Zero(t, out.Len())
	assert.Equal(t, "failed", last)
}

func TestDownloader_Refusals(t *testing.T) {
	srv := newPlaylistServer(t, map[string]string{
		"/enc.m3u8":   "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k.key\"\n#EXTINF:2,\na.ts\n",
		"/empty.m3u8": "#EXTM3U\n#EXT-X-ENDLIST\n",
	})
	d := NewDownloader(NewHTTPFetcher(srv.Client(), "", nil))

	_, err := d.Download(context.Background(), srv.URL+"/enc.m3u8", &bytes.Buffer{}, DownloadOptions{})
	assert.ErrorIs(t, err, ErrEncrypted)

	_, err = d.Download(context.Background(), srv.URL+"/empty.m3u8", &bytes.Buffer{}, DownloadOptions{})
	assert.ErrorIs(t, err, ErrNoSegments)

	_, err = d.Download(context.Background(), srv.URL+"/gone.m3u8", &bytes.Buffer{}, DownloadOptions{})
	var se *StatusError
	assert.ErrorAs(t, err, &se)
}

func TestDownloader_DownloadDirect(t *testing.T) {
	srv := newPlaylistServer(t, map[string]string{"/clip.mp4": "MOOV"})
	d := NewDownloader(NewHTTPFetcher(srv.Client(), "", nil))
	var out bytes.Buffer
	ext, n, err := d.DownloadDirect(context.Background(), srv.URL+"/clip.mp4", &out)
	require.NoError(t, err)
	assert.Equal(t, "mp4", ext)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "MOOV", out.String())
}

func TestHTTPFetcher_HeadAndRange(t *testing.T) {
	var gotRange, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), "probe-agent", nil)
	code, err := f.Head(context.Background(), srv.URL+"/v.m3u8")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "probe-agent", gotUA)

	code, err = f.GetRange(context.Background(), srv.URL+"/v.m3u8", 1024)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, code)
	assert.Equal(t, "bytes=0-1023", gotRange)
}

func TestOutputName(t *testing.T) {
	name, err := OutputName("/tmp/out", `{{ .Title | filenameFilter }}.{{ .Ext }}`, `a/b:c`, "ts")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out/a_b_c.ts", name)

	name, err = OutputName("", `{{ .Title }}.{{ .Ext }}`, "", "mp4")
	require.NoError(t, err)
	assert.Equal(t, "download.mp4", name)

	_, err = OutputName("", `{{ .Title `, "x", "ts")
	assert.Error(t, err)
}
