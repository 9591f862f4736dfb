package downloader

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
)

func TestNetworkError_Error(t *testing.T) {
	withStatus := &NetworkError{Operation: "request", StatusCode: 503}
	assert.Equal(t, "network error during request (HTTP 503)", withStatus.Error())

	cause := errors.New("connection reset by peer")
	withCause := &NetworkError{Operation: "stream", Err: cause}
	assert.Equal(t, "network error during stream: connection reset by peer", withCause.Error())
	assert.ErrorIs(t, withCause, cause)
}

func TestClientError_Error(t *testing.T) {
	err := &ClientError{URL: "https://cdn.example.com/aula.mp4", StatusCode: 404}
	assert.Equal(t, "client error fetching https://cdn.example.com/aula.mp4 (HTTP 404)", err.Error())
}

func TestLocalError_Unwrap(t *testing.T) {
	err := classifyWriteError("/videos/aula.mp4.part", syscall.ENOSPC)

	var localErr *LocalError
	assert.ErrorAs(t, err, &localErr)
	assert.True(t, localErr.DiskFull)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	other := classifyWriteError("/videos/aula.mp4.part", syscall.EACCES)
	assert.ErrorAs(t, other, &localErr)
	assert.False(t, localErr.DiskFull)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{name: "nil", err: nil, want: ErrKindNone},
		{name: "network", err: &NetworkError{Operation: "request", StatusCode: 500}, want: ErrKindNetwork},
		{name: "wrapped network", err: fmt.Errorf("attempt: %w", &NetworkError{Operation: "stream"}), want: ErrKindNetwork},
		{name: "client", err: &ClientError{URL: "http://x", StatusCode: 404}, want: ErrKindClient},
		{name: "local", err: &LocalError{Path: "/x", Err: syscall.EACCES}, want: ErrKindLocal},
		{name: "store", err: &checkpoint.StoreError{Op: "record_outcome", Err: errors.New("disk I/O error")}, want: ErrKindStore},
		{name: "canceled", err: context.Canceled, want: ErrKindCanceled},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrKindCanceled},
		{name: "store interrupted by cancellation", err: &checkpoint.StoreError{Op: "get", Err: context.Canceled}, want: ErrKindCanceled},
		{name: "envelope timeout stays transient", err: &NetworkError{Operation: "request", Err: context.DeadlineExceeded}, want: ErrKindNetwork},
		{name: "unclassified", err: errors.New("boom"), want: ErrKindLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&NetworkError{Operation: "request", StatusCode: 429}))
	assert.False(t, retryable(&ClientError{URL: "http://x", StatusCode: 403}))
	assert.False(t, retryable(&checkpoint.StoreError{Op: "get", Err: errors.New("locked")}))
	assert.False(t, retryable(context.Canceled))
}
