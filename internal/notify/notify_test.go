package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatcherDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	d := NewDispatcher(ProviderFunc(func(_ context.Context, req DispatchRequest) error {
		mu.Lock()
		got = append(got, req.TargetIdentity)
		mu.Unlock()
		return nil
	}), zaptest.NewLogger(t), 2, 8)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Dispatch(DispatchRequest{TargetIdentity: "A", Tag: TagOnClock}))
	require.NoError(t, d.Dispatch(DispatchRequest{TargetIdentity: "B", Tag: TagMention}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatchNeverBlocks(t *testing.T) {
	d := NewDispatcher(LogProvider{}, zaptest.NewLogger(t), 1, 1)
	require.NoError(t, d.Dispatch(DispatchRequest{TargetIdentity: "A"}))
	assert.ErrorIs(t, d.Dispatch(DispatchRequest{TargetIdentity: "B"}), ErrQueueFull)
	assert.Equal(t, int64(1), d.Dropped())

	var nilDispatcher *Dispatcher
	assert.NoError(t, nilDispatcher.Dispatch(DispatchRequest{}))
}

func TestWebhookProvider(t *testing.T) {
	var received DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, srv.Client())
	err := p.Dispatch(context.Background(), DispatchRequest{TargetIdentity: "A", Title: "You're on the clock", Tag: TagOnClock})
	require.NoError(t, err)
	assert.Equal(t, "A", received.TargetIdentity)
	assert.Equal(t, TagOnClock, received.Tag)
}

func TestWebhookProviderRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, srv.Client())
	assert.Error(t, p.Dispatch(context.Background(), DispatchRequest{TargetIdentity: "A"}))
}
