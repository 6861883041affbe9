package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	messages     []ClientMessage
	disconnected int
}

func (h *recordingHandler) HandleMessage(c *Client, msg ClientMessage) {
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleDisconnect(c *Client) {
	h.disconnected++
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func registerClient(t *testing.T, hub *Hub, userID, userType string) *Client {
	t.Helper()
	c := NewClient(hub, nil, userID, userType, nil, logger.NewNop())
	want := hub.GetActiveConnections() + 1
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.GetActiveConnections() == want }, time.Second, 5*time.Millisecond)
	return c
}

func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case data := <-c.sendCh:
			var m Message
			if err := json.Unmarshal(data, &m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func TestHub_SendToBookingAudience(t *testing.T) {
	hub := startHub(t)

	customer := registerClient(t, hub, "cust_1", UserTypeCustomer)
	other := registerClient(t, hub, "cust_2", UserTypeCustomer)
	dispatcher := registerClient(t, hub, "ops_1", UserTypeDispatcher)
	watcher := registerClient(t, hub, "cust_3", UserTypeCustomer)
	watcher.Subscribe("bkg_1")
	riderWithSameID := registerClient(t, hub, "cust_1", UserTypeRider)

	hub.SendToBookingAudience("bkg_1", "cust_1", Message{Type: "booking.accepted"})

	assert.Len(t, drain(customer), 1)
	assert.Len(t, drain(dispatcher), 1)
	assert.Len(t, drain(watcher), 1)
	assert.Empty(t, drain(other))
	assert.Empty(t, drain(riderWithSameID))

	assert.Equal(t, 3, hub.GetClientsByUserType(UserTypeCustomer))
	assert.Equal(t, 1, hub.GetClientsByUserType(UserTypeRider))
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	hub := startHub(t)
	c := registerClient(t, hub, "rdr_1", UserTypeRider)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.GetActiveConnections() == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Deliver(Message{Type: "offer"}), ErrClientClosed)
}

func TestHub_RegisterAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	live := registerClient(t, hub, "rdr_1", UserTypeRider)
	cancel()
	<-stopped
	assert.ErrorIs(t, live.Deliver(Message{Type: "offer"}), ErrClientClosed)

	late := NewClient(hub, nil, "rdr_2", UserTypeRider, nil, logger.NewNop())
	returned := make(chan struct{})
	go func() {
		hub.Register(late)
		hub.Unregister(late)
		hub.Unregister(live)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Register/Unregister blocked after the hub stopped")
	}
	assert.ErrorIs(t, late.Deliver(Message{Type: "offer"}), ErrClientClosed)
	assert.Equal(t, 0, hub.GetActiveConnections())
}

func TestClient_DeliverBufferFull(t *testing.T) {
	c := NewClient(nil, nil, "rdr_1", UserTypeRider, nil, logger.NewNop())
	for i := 0; i < cap(c.sendCh); i++ {
		require.NoError(t, c.Deliver(Message{Type: "x"}))
	}
	assert.ErrorIs(t, c.Deliver(Message{Type: "x"}), ErrBufferFull)
	assert.NotEmpty(t, c.SessionID())
}

func TestClient_HandleMessage(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient(nil, nil, "cust_1", UserTypeCustomer, h, logger.NewNop())

	c.handleMessage([]byte(`{"type":"ping"}`))
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pong", msgs[0].Type)

	c.Subscribe("bkg_1")
	c.handleMessage([]byte(`{"type":"unsubscribe","entity_id":"bkg_1"}`))
	assert.False(t, c.IsSubscribedToBooking("bkg_1"))

	c.handleMessage([]byte(`{"type":"offer:respond","entity_id":"bkg_1","data":{"accept":true}}`))
	require.Len(t, h.messages, 1)
	assert.Equal(t, "offer:respond", h.messages[0].Type)
	assert.JSONEq(t, `{"accept":true}`, string(h.messages[0].Data))

	c.handleMessage([]byte(`not json`))
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Type)
}
