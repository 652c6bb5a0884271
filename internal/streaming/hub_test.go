package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/events/bus"
)

func TestBridgeForwardsBusEventsToObservers(t *testing.T) {
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(log)
	require.NoError(t, hub.Bridge(eventBus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		newClient(hub, conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the publish; give the hub a beat to add the client.
	time.Sleep(50 * time.Millisecond)

	data := events.MessageEventData{TicketID: "t1", Role: "assistant", Content: "working"}
	event := bus.NewEvent(events.TicketMessage, "worker", data)
	require.NoError(t, eventBus.Publish(context.Background(), events.TicketMessageSubject("t1"), event))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, events.TicketMessage, frame.Subject)
	require.NotNil(t, frame.Event)
	assert.Equal(t, events.TicketMessage, frame.Event.Type)
	assert.Equal(t, event.ID, frame.Event.ID)
}

func TestForwardDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(logger.Default())

	// Nothing drains the broadcast queue; fill past its capacity.
	event := bus.NewEvent(events.TicketLog, "worker", nil)
	for i := 0; i < 300; i++ {
		require.NoError(t, hub.forward(context.Background(), event))
	}
	assert.LessOrEqual(t, len(hub.broadcast), 256)
}

func TestHealthEndpoint(t *testing.T) {
	hub := NewHub(logger.Default())
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, hub, logger.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
