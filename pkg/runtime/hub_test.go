package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishAndSubscribe(t *testing.T) {
	h := NewHub(16)

	ch, cancel := h.Subscribe("s1", 8)
	defer cancel()

	h.Publish("s1", "r1", StreamChunk{Text: "hello"})
	h.Publish("s1", "r1", StreamChunk{Text: " world"})
	h.Publish("other", "r9", StreamChunk{Text: "not for us"})

	first := <-ch
	assert.Equal(t, ChannelStreamChunk, first.Channel)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "hello", first.Payload.(StreamChunk).Text)

	second := <-ch
	assert.Equal(t, uint64(2), second.Seq)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	default:
	}
}

func TestHub_ReplayThenLive(t *testing.T) {
	h := NewHub(16)

	for i := 0; i < 5; i++ {
		h.Publish("s1", "r1", StreamChunk{Text: "buffered"})
	}

	ch, cancel := h.Subscribe("s1", 8)
	defer cancel()

	h.Publish("s1", "r1", StreamChunk{Text: "live"})

	var seqs []uint64
	for i := 0; i < 6; i++ {
		evt := <-ch
		seqs = append(seqs, evt.Seq)
	}
	// replay first, then live, in original order
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
	assert.Equal(t, "live", lastPayloadText(t, h, "s1"))
}

func lastPayloadText(t *testing.T, h *Hub, sessionID string) string {
	t.Helper()
	buffered := h.Buffered(sessionID)
	require.NotEmpty(t, buffered)
	chunk, ok := buffered[len(buffered)-1].Payload.(StreamChunk)
	require.True(t, ok)
	return chunk.Text
}

func TestHub_RingEvictsOldest(t *testing.T) {
	h := NewHub(3)

	for i := 0; i < 10; i++ {
		h.Publish("s1", "r1", StreamChunk{Text: "x"})
	}

	buffered := h.Buffered("s1")
	require.Len(t, buffered, 3)
	assert.Equal(t, uint64(8), buffered[0].Seq)
	assert.Equal(t, uint64(10), buffered[2].Seq)
}

func TestHub_NonReplayableChannelsSkipRing(t *testing.T) {
	h := NewHub(16)

	h.Publish("s1", "r1", ToolArgs{CallID: "c1", Delta: "{"})
	h.Publish("s1", "r1", ConfirmRequest{ConfirmationID: "x"})
	h.Publish("s1", "r1", StreamChunk{Text: "kept"})

	buffered := h.Buffered("s1")
	require.Len(t, buffered, 1)
	assert.Equal(t, ChannelStreamChunk, buffered[0].Channel)
}

func TestHub_HeadEventsAfterReplay(t *testing.T) {
	h := NewHub(16)
	h.Publish("s1", "r1", StreamChunk{Text: "buffered"})

	head := Event{SessionID: "s1", Channel: ChannelConfirmRequest,
		Payload: ConfirmRequest{ConfirmationID: "pc1"}}
	ch, cancel := h.Subscribe("s1", 8, head)
	defer cancel()

	first := <-ch
	assert.Equal(t, ChannelStreamChunk, first.Channel)
	second := <-ch
	assert.Equal(t, ChannelConfirmRequest, second.Channel)
}

func TestHub_ResetRunClearsRing(t *testing.T) {
	h := NewHub(16)
	h.Publish("s1", "r1", StreamChunk{Text: "old"})
	h.ResetRun("s1")

	assert.Empty(t, h.Buffered("s1"))

	// sequence numbers keep increasing across runs
	evt := h.Publish("s1", "r2", StreamChunk{Text: "new"})
	assert.Equal(t, uint64(2), evt.Seq)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub(16)
	ch, cancel := h.Subscribe("s1", 8)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestConfirmBroker_ResolveOnce(t *testing.T) {
	b := newConfirmBroker()
	pc := b.Request("s1", "r1", "call1", "bash", `{"cmd":"rm"}`)

	done := make(chan bool, 1)
	go func() {
		done <- b.Wait(context.Background(), pc)
	}()

	require.True(t, b.Resolve(pc.ID, true))
	assert.True(t, <-done)

	// second response for the same id is a no-op
	assert.False(t, b.Resolve(pc.ID, false))
	assert.False(t, b.Resolve("unknown", true))
}

func TestConfirmBroker_ContextCancelDenies(t *testing.T) {
	b := newConfirmBroker()
	pc := b.Request("s1", "r1", "call1", "bash", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Wait(ctx, pc))
	assert.Empty(t, b.Pending("s1"))
}

func TestConfirmBroker_DenyAll(t *testing.T) {
	b := newConfirmBroker()
	pc1 := b.Request("s1", "r1", "c1", "bash", `{}`)
	pc2 := b.Request("s1", "r1", "c2", "write_file", `{}`)
	other := b.Request("s2", "r2", "c3", "bash", `{}`)

	results := make(chan bool, 2)
	go func() { results <- b.Wait(context.Background(), pc1) }()
	go func() { results <- b.Wait(context.Background(), pc2) }()

	denied := b.DenyAll("s1")
	assert.Len(t, denied, 2)

	for i := 0; i < 2; i++ {
		select {
		case approved := <-results:
			assert.False(t, approved)
		case <-time.After(time.Second):
			t.Fatal("confirmation was not denied")
		}
	}

	// the other session's confirmation is untouched
	pending := b.Pending("s2")
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}

func TestConfirmBroker_PendingSortedByAge(t *testing.T) {
	b := newConfirmBroker()
	first := b.Request("s1", "r1", "c1", "bash", `{}`)
	second := b.Request("s1", "r1", "c2", "bash", `{}`)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	pending := b.Pending("s1")
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
}
