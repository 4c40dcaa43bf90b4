package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/scrypster/mnemo/internal/engine"
)

func startHub(t *testing.T, bus *engine.EventBus, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(bus, origins)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = http.Header{"Origin": {origin}}
	}
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), opts)
}

func TestHub_StreamsEvents(t *testing.T) {
	bus := engine.NewEventBus()
	hub, srv := startHub(t, bus)

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(engine.Event{Type: engine.EventRunStarted, RunID: "run-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var got engine.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, engine.EventRunStarted, got.Type)
	assert.Equal(t, "run-1", got.RunID)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t, engine.NewEventBus())

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, engine.NewEventBus(), "localhost:6464")

	_, resp, err := dial(t, srv, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_OriginAllowed(t *testing.T) {
	hub := NewHub(nil, []string{"localhost:6464", "127.0.0.1:6464"})

	assert.True(t, hub.originAllowed(""))
	assert.True(t, hub.originAllowed("http://localhost:6464"))
	assert.True(t, hub.originAllowed("http://LOCALHOST:6464"))
	assert.False(t, hub.originAllowed("http://localhost:9999"))
	assert.False(t, hub.originAllowed("::not a url"))
}

func TestHub_DropsSlowClient(t *testing.T) {
	bus := engine.NewEventBus()
	hub := NewHub(bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &client{send: make(chan []byte, 1)}
	require.True(t, hub.add(slow))
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(engine.Event{Type: engine.EventFileStarted})
	bus.Publish(engine.Event{Type: engine.EventFileCompleted})

	require.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	// The buffered event is still readable and the channel is closed once.
	<-slow.send
	_, ok := <-slow.send
	assert.False(t, ok)

	// Unregistering an already dropped client is a no-op.
	hub.remove(slow)
}

func TestHub_StopClosesClientsAndRejectsNew(t *testing.T) {
	hub := NewHub(engine.NewEventBus(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := &client{send: make(chan []byte, 1)}
	require.True(t, hub.add(c))

	cancel()
	<-stopped

	_, ok := <-c.send
	assert.False(t, ok, "send channel closed on shutdown")
	assert.False(t, hub.add(&client{send: make(chan []byte, 1)}))
	assert.Equal(t, 0, hub.Len())
}

func TestHub_NilBus(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	c := &client{send: make(chan []byte, 1)}
	require.True(t, hub.add(c))
	assert.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}
