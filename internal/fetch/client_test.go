package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursegrab/coursegrab/internal/task"
)

func TestEnvelopeFor(t *testing.T) {
	tests := []struct {
		class task.FileClass
		want  Envelope
	}{
		{task.ClassVideo, envelopeLong},
		{task.ClassPDF, envelopeMedium},
		{task.ClassMaterial, envelopeShort},
		{task.ClassOther, envelopeShort},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.want, EnvelopeFor(tt.class))
		})
	}
}

func TestDo_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := NewClient(DefaultOptions())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req, envelopeShort)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_TotalBudgetExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(DefaultOptions())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	env := Envelope{Connect: time.Second, Read: time.Second, Total: 50 * time.Millisecond}

	_, err = client.Do(req, env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || isTimeout(err))
}

func TestWatchdogBody_AbortsStalledRead(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(DefaultOptions())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	env := Envelope{Connect: time.Second, Read: 50 * time.Millisecond, Total: 10 * time.Second}

	resp, err := client.Do(req, env)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 64)
	start := time.Now()

	_, err = resp.Body.Read(buf)
	require.Error(t, err, "stalled body read must be aborted")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDNSCache_ServesFromCache(t *testing.T) {
	cache := newDNSCache(time.Minute)

	addrs, err := cache.lookup(context.Background(), "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	// Poison the entry: a cache hit returns it verbatim.
	cache.mu.Lock()
	cache.entries["localhost"] = dnsEntry{addrs: []string{"192.0.2.1"}, expires: time.Now().Add(time.Minute)}
	cache.mu.Unlock()

	addrs, err = cache.lookup(context.Background(), "localhost")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, addrs)
}

func TestDNSCache_ExpiredEntryRefreshes(t *testing.T) {
	cache := newDNSCache(time.Minute)

	cache.mu.Lock()
	cache.entries["localhost"] = dnsEntry{addrs: []string{"192.0.2.1"}, expires: time.Now().Add(-time.Second)}
	cache.mu.Unlock()

	addrs, err := cache.lookup(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEqual(t, []string{"192.0.2.1"}, addrs, "expired entry must be re-resolved")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }

	return errors.As(err, &t) && t.Timeout()
}
