package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

func startHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHub(buffer)
	go h.Run(ctx)
	return h
}

func register(t *testing.T, h *Hub, runID string) *Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	h.Follow(conn, runID)
	before := h.ConnectionCount()
	require.True(t, h.Register(conn))
	require.Eventually(t, func() bool { return h.ConnectionCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func next(t *testing.T, conn *Connection) domain.TaskEvent {
	t.Helper()
	select {
	case data := <-conn.Send:
		var msg EventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, TypeTaskEvent, msg.Type)
		return msg.Event
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	return domain.TaskEvent{}
}

func TestHub_FiltersByRun(t *testing.T) {
	h := startHub(t, 8)
	all := register(t, h, "")
	one := register(t, h, "run_1")

	h.Publish(domain.TaskEvent{ID: "evt_1", RunID: "run_2"})
	h.Publish(domain.TaskEvent{ID: "evt_2", RunID: "run_1"})

	assert.Equal(t, "evt_1", next(t, all).ID)
	assert.Equal(t, "evt_2", next(t, all).ID)
	assert.Equal(t, "evt_2", next(t, one).ID)
}

func TestHub_DropsSlowConnection(t *testing.T) {
	h := startHub(t, 1)
	// nobody drains this connection
	register(t, h, "")

	require.Eventually(t, func() bool {
		h.Publish(domain.TaskEvent{ID: "evt", RunID: "run_1"})
		return h.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := startHub(t, 4)
	conn := register(t, h, "")

	h.Unregister(conn)
	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.NoError(t, h.SendJSON(conn, map[string]string{"type": "late"}))
}

func TestHub_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(4)
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	conn := h.NewConnection(nil)
	require.True(t, h.Register(conn))

	cancel()
	<-done
	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.False(t, h.Register(h.NewConnection(nil)))
	h.Unregister(conn) // must not block
}
