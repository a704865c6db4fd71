package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/relay/pkg/history"
)

const messagesStreamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`

// fakeMessagesBackend rejects any request carrying a cache_control hint with
// a validation 400 and streams a short reply otherwise.
type fakeMessagesBackend struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeMessagesBackend) handler(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	body := string(data)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if strings.Contains(body, "cache_control") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"system.0.cache_control: cache_control is not supported"}}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, messagesStreamBody)
}

func (f *fakeMessagesBackend) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func TestMessagesAdapter_CacheRejectionRetriesUncached(t *testing.T) {
	backend := &fakeMessagesBackend{}
	srv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(srv.Close)

	breaker := NewConsecutiveBreaker(1, time.Hour)
	adapter := NewMessagesAdapter("sk-ant-test", srv.URL, WithCacheBreaker(breaker))

	req := Request{
		Model:     "claude-sonnet-4-5",
		System:    "be helpful",
		MaxTokens: 1024,
		Items:     []history.Item{history.NewUserText(history.ProviderMessages, "hi")},
	}

	result, err := adapter.StreamTurn(context.Background(), req, nil)
	require.NoError(t, err, "cache rejection must be absorbed by an uncached retry")
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "end_turn", result.StopReason)

	reqs := backend.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0], "cache_control")
	assert.NotContains(t, reqs[1], "cache_control")

	// the breaker tripped, so the next turn goes out uncached from the start
	_, err = adapter.StreamTurn(context.Background(), req, nil)
	require.NoError(t, err)
	reqs = backend.requests()
	require.Len(t, reqs, 3)
	assert.NotContains(t, reqs[2], "cache_control")
}

func TestMessagesAdapter_CacheSuccessResetsBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, messagesStreamBody)
	}))
	t.Cleanup(srv.Close)

	breaker := NewConsecutiveBreaker(1, time.Hour)
	adapter := NewMessagesAdapter("sk-ant-test", srv.URL, WithCacheBreaker(breaker))

	req := Request{
		Model:     "claude-sonnet-4-5",
		System:    "be helpful",
		MaxTokens: 1024,
		Items:     []history.Item{history.NewUserText(history.ProviderMessages, "hi")},
	}

	_, err := adapter.StreamTurn(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, breaker.Allow(), "success while cached must keep the breaker closed")
}

func TestIsCacheRejection(t *testing.T) {
	cacheErr := &APIError{
		Provider: history.ProviderMessages,
		Status:   http.StatusBadRequest,
		err:      fmt.Errorf("system.0.cache_control: cache_control is not supported"),
	}
	assert.True(t, isCacheRejection(cacheErr))

	t.Run("transient errors never count", func(t *testing.T) {
		overloaded := &APIError{
			Provider: history.ProviderMessages,
			Status:   http.StatusServiceUnavailable,
			err:      fmt.Errorf("overloaded, includes cache_control by accident"),
		}
		assert.False(t, isCacheRejection(overloaded))
	})

	t.Run("unrelated 4xx never counts", func(t *testing.T) {
		badReq := &APIError{
			Provider: history.ProviderMessages,
			Status:   http.StatusBadRequest,
			err:      fmt.Errorf("max_tokens must be positive"),
		}
		assert.False(t, isCacheRejection(badReq))
	})

	t.Run("plain errors never count", func(t *testing.T) {
		assert.False(t, isCacheRejection(fmt.Errorf("cache_control mentioned without an API status")))
	})
}
