package sentry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafe(t *testing.T) {
	var where []string
	OnPanic(func(w string) { where = append(where, w) })
	defer OnPanic(nil)

	ran := false
	assert.True(t, Safe("noop", func() { ran = true }))
	assert.True(t, ran)

	assert.False(t, Safe("hook", func() { panic("boom") }))
	assert.Equal(t, []string{"hook"}, where)
}

func TestGoRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(func() {
		defer wg.Done()
		panic("background failure")
	})
	wg.Wait()
}

func TestSanitizeString(t *testing.T) {
	in := "GET https://cdn.example.com/a.m3u8?token=abc&x=1&sig=zzz failed"
	assert.Equal(t, "GET https://cdn.example.com/a.m3u8?token=[REDACTED]&x=1&sig=[REDACTED] failed", sanitizeString(in))
	assert.Equal(t, "", sanitizeString(""))
}

func TestSessionID(t *testing.T) {
	id := SessionID()
	assert.Len(t, id, 32)
	assert.Equal(t, id, SessionID())
}
