package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "defi-agents/internal/cache/redis"
)

var at = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(t *testing.T, typ EventType, account string, payload any) Event {
	t.Helper()
	ev, err := NewEvent(typ, account, payload, at)
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHubDeliversOnlyToAccount(t *testing.T) {
	hub := NewHub(4)
	a, err := hub.Subscribe("0xa")
	require.NoError(t, err)
	b, err := hub.Subscribe("0xb")
	require.NoError(t, err)

	hub.Publish("0xa", event(t, EventStats, "", map[string]int{"total_trades": 3}))

	got := receive(t, a)
	assert.Equal(t, EventStats, got.Type)
	assert.Equal(t, "0xa", got.AccountKey)
	assert.JSONEq(t, `{"total_trades":3}`, string(got.Payload))

	select {
	case ev := <-b.C:
		t.Fatalf("unexpected event for other account: %+v", ev)
	default:
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(2)
	sub, err := hub.Subscribe("0xa")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		hub.Publish("0xa", event(t, EventExecution, "0xa", i))
	}
	assert.EqualValues(t, 3, hub.Dropped())
	assert.Len(t, sub.C, 2)

	first := receive(t, sub)
	assert.JSONEq(t, "0", string(first.Payload), "oldest events are kept")
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub(1)
	sub, err := hub.Subscribe("0xa")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("0xa"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("0xa"))
	_, ok := <-sub.C
	assert.False(t, ok)

	// publishing with no subscribers is a no-op
	hub.Publish("0xa", event(t, EventRound, "0xa", nil))

	_, err = hub.Subscribe("")
	assert.Error(t, err)

	hub.Close()
	_, err = hub.Subscribe("0xa")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(1)
	sub, err := hub.Subscribe("0xa")
	require.NoError(t, err)
	hub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()
}

type fakeBus struct {
	mu        sync.Mutex
	published []cache.Message
	msgs      chan cache.Message
	err       error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, cache.Message{Channel: channel, Payload: payload})
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, channel string) (<-chan cache.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if channel != "agents:*" {
		return nil, errors.New("unexpected pattern " + channel)
	}
	return f.msgs, nil
}

func TestRedisPublisherChannel(t *testing.T) {
	bus := &fakeBus{}
	pub := NewRedisPublisher(bus, "", zerolog.Nop())
	pub.Publish("0xabc", event(t, EventExecution, "", map[string]string{"status": "confirmed"}))

	require.Len(t, bus.published, 1)
	assert.Equal(t, "agents:0xabc", bus.published[0].Channel)

	var ev Event
	require.NoError(t, json.Unmarshal(bus.published[0].Payload, &ev))
	assert.Equal(t, "0xabc", ev.AccountKey)
	assert.Equal(t, EventExecution, ev.Type)
	assert.True(t, ev.At.Equal(at))

	bus.err = errors.New("down")
	pub.Publish("0xabc", event(t, EventStats, "", nil))
	assert.Len(t, bus.published, 1)
}

func TestRedisBridgeRelaysIntoHub(t *testing.T) {
	bus := &fakeBus{msgs: make(chan cache.Message, 4)}
	pub := NewRedisPublisher(bus, "agents", zerolog.Nop())
	hub := NewHub(4)
	sub, err := hub.Subscribe("0xabc")
	require.NoError(t, err)

	pub.Publish("0xabc", event(t, EventRound, "", map[string]string{"status": "ok"}))
	bus.msgs <- cache.Message{Channel: "agents:0xabc", Payload: []byte("not json")}
	bus.msgs <- cache.Message{Channel: "other:0xabc", Payload: bus.published[0].Payload}
	bus.msgs <- bus.published[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRedisBridge(bus, hub, "agents", zerolog.Nop()).Run(ctx) }()

	got := receive(t, sub)
	assert.Equal(t, EventRound, got.Type)
	assert.JSONEq(t, `{"status":"ok"}`, string(got.Payload))

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, sub.C)
}

func TestRedisBridgeSubscribeError(t *testing.T) {
	bus := &fakeBus{err: errors.New("refused")}
	err := NewRedisBridge(bus, NewHub(1), "agents", zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents:*")
}

func TestWSHandlerStreamsAccountEvents(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(NewWSHandler(hub, zerolog.Nop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?account=0xabc"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Equal(t, 1, hub.Subscribers("0xabc"))
	hub.Publish("0xother", event(t, EventStats, "0xother", nil))
	hub.Publish("0xabc", event(t, EventExecution, "0xabc", map[string]string{"execution_id": "e1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventExecution, got.Type)
	assert.Equal(t, "0xabc", got.AccountKey)
	assert.JSONEq(t, `{"execution_id":"e1"}`, string(got.Payload))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return hub.Subscribers("0xabc") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHandlerRequiresAccount(t *testing.T) {
	rec := httptest.NewRecorder()
	NewWSHandler(NewHub(1), zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
