package prober

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/astrafetch/astrafetch-go/src/streams"
)

func TestLadder(t *testing.T) {
	probes := Ladder("https://cdn.example.com/v/720P/seg_480p.m3u8")
	require.Len(t, probes, 6)
	assert.Equal(t, "https://cdn.example.com/v/2160p/seg_480p.m3u8", probes[0].URL)
	assert.Equal(t, "2160p", probes[0].Resolution)
	assert.Equal(t, "https://cdn.example.com/v/360p/seg_480p.m3u8", probes[5].URL)
	for _, p := range probes {
		assert.Equal(t, StatusPending, p.Status)
	}

	probes = Ladder("https://cdn.example.com/v/1280x720/index.m3u8")
	require.Len(t, probes, 6)
	assert.Equal(t, "https://cdn.example.com/v/3840x2160/index.m3u8", probes[0].URL)
	assert.Equal(t, "640x360", probes[5].Resolution)

	assert.Empty(t, Ladder("https://cdn.example.com/v/index.m3u8"))
}

func TestCandidatesFromVariants(t *testing.T) {
	e := &streams.Entry{URL: "https://cdn.example.com/720p/master.m3u8"}
	for i := 0; i < 7; i++ {
		e.HLS.Variants = append(e.HLS.Variants, streams.Variant{
			Bandwidth:  int64(1000 - i),
			Resolution: fmt.Sprintf("r%d", i),
			URL:        fmt.Sprintf("https://cdn.example.com/v%d.m3u8", i),
		})
	}
	c := Candidates(e, 5)
	require.Len(t, c, 5)
	assert.Equal(t, "https://cdn.example.com/v0.m3u8", c[0].URL)
	assert.Equal(t, "r4", c[4].Resolution)
}

func TestProber_Probe(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := NewMockRequester(ctrl)
	store := streams.NewStore(streams.Options{})
	src := "https://cdn.example.com/v/1080p/index.m3u8"
	store.Upsert(src, "test", "GET", "")

	url := func(r string) string { return "https://cdn.example.com/v/" + r + "/index.m3u8" }
	req.EXPECT().Head(gomock.Any(), url("2160p")).Return(200, nil)
	// HEAD 被拒绝后用 Range GET 重试
	req.EXPECT().Head(gomock.Any(), url("1440p")).Return(405, nil)
	req.EXPECT().GetRange(gomock.Any(), url("1440p"), 1024).Return(206, nil)
	req.EXPECT().Head(gomock.Any(), url("1080p")).Return(403, nil)
	req.EXPECT().GetRange(gomock.Any(), url("1080p"), 1024).Return(404, nil)
	// 传输失败直接记为 blocked，不再重试
	req.EXPECT().Head(gomock.Any(), url("720p")).Return(0, errors.New("connection refused"))
	req.EXPECT().Head(gomock.Any(), url("480p")).Return(500, nil)
	req.EXPECT().GetRange(gomock.Any(), url("480p"), 1024).Return(0, errors.New("reset"))
	req.EXPECT().Head(gomock.Any(), url("360p")).Return(204, nil)

	p := New(store, req, Options{Workers: 3})
	probes, err := p.Probe(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, probes, 6)
	got := make([]string, 0, len(probes))
	for _, pr := range probes {
		got = append(got, pr.Status)
	}
	assert.Equal(t, []string{"ok", "ok", "HTTP 404", "blocked", "blocked", "ok"}, got)

	e, _ := store.Get(src)
	assert.Equal(t, probes, e.Probes)

	// 命中缓存，不再发起请求
	again, err := p.Probe(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, probes, again)

	p.Reset()
	_, ok := p.Cached(src)
	assert.False(t, ok)
}

func TestProber_ResetDiscardsResults(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := NewMockRequester(ctrl)
	store := streams.NewStore(streams.Options{})
	src := "https://cdn.example.com/v/1080p/index.m3u8"
	store.Upsert(src, "test", "GET", "")

	started := make(chan struct{})
	release := make(chan struct{})
	req.EXPECT().Head(gomock.Any(), "https://cdn.example.com/v/2160p/index.m3u8").
		DoAndReturn(func(context.Context, string) (int, error) {
			close(started)
			<-release
			return 200, nil
		})
	req.EXPECT().Head(gomock.Any(), gomock.Any()).Return(200, nil).AnyTimes()

	p := New(store, req, Options{Workers: 2})
	errc := make(chan error, 1)
	go func() {
		_, err := p.Probe(context.Background(), src)
		errc <- err
	}()

	<-started
	store.Reset()
	p.Reset()
	store.Upsert(src, "test", "GET", "")
	close(release)

	assert.ErrorIs(t, <-errc, ErrStale)
	_, ok := p.Cached(src)
	assert.False(t, ok)
	e, _ := store.Get(src)
	assert.Empty(t, e.Probes)
}

func TestProber_NoCandidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := streams.NewStore(streams.Options{})
	store.Upsert("https://cdn.example.com/index.m3u8", "test", "GET", "")
	p := New(store, NewMockRequester(ctrl), Options{})

	probes, err := p.Probe(context.Background(), "https://cdn.example.com/index.m3u8")
	require.NoError(t, err)
	assert.Empty(t, probes)

	_, err = p.Probe(context.Background(), "https://cdn.example.com/unknown.m3u8")
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

func TestProber_CancelledNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := NewMockRequester(ctrl)
	store := streams.NewStore(streams.Options{})
	src := "https://cdn.example.com/720p.m3u8"
	store.Upsert(src, "test", "GET", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.EXPECT().Head(gomock.Any(), gomock.Any()).Return(200, nil).AnyTimes()

	p := New(store, req, Options{Workers: 1})
	_, err := p.Probe(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := p.Cached(src)
	assert.False(t, ok)
}
