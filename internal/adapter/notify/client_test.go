package notify

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
)

type recorder struct {
	mu     sync.Mutex
	toasts []ToastRequest
	fail   bool
}

func (r *recorder) Toast(req *ToastRequest, resp *ToastResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("display unavailable")
	}
	r.toasts = append(r.toasts, *req)
	resp.OK = true
	return nil
}

func (r *recorder) received() []ToastRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ToastRequest(nil), r.toasts...)
}

func startNotifier(t *testing.T, rec *recorder) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Notifier", rec))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	return ln.Addr().String()
}

func TestToastFor(t *testing.T) {
	cases := []struct {
		ev    domain.TaskEvent
		ok    bool
		title string
		level string
	}{
		{domain.TaskEvent{Step: domain.StepApproval, Status: domain.TaskStatusPaused}, true, "Approval needed", LevelWarn},
		{domain.TaskEvent{Step: domain.StepApproval, Status: domain.TaskStatusDone}, true, "Approved", LevelInfo},
		{domain.TaskEvent{Step: domain.StepApproval, Status: domain.TaskStatusError}, true, "Rejected", LevelInfo},
		{domain.TaskEvent{Step: "Validate", Status: domain.TaskStatusPaused}, true, "Review needed: Validate", LevelWarn},
		{domain.TaskEvent{Step: "Run OCR", Status: domain.TaskStatusError}, true, "Run OCR failed", LevelError},
		{domain.TaskEvent{Step: "Run OCR", Status: domain.TaskStatusDone}, false, "", ""},
		{domain.TaskEvent{Step: domain.StepPlan, Status: domain.TaskStatusRunning}, false, "", ""},
	}
	for _, tc := range cases {
		toast, ok := ToastFor(tc.ev)
		assert.Equal(t, tc.ok, ok, "%s/%s", tc.ev.Step, tc.ev.Status)
		assert.Equal(t, tc.title, toast.Title)
		assert.Equal(t, tc.level, toast.Level)
	}
}

func TestClient_ForwardsBusEvents(t *testing.T) {
	rec := &recorder{}
	c := NewClient("tcp://"+startNotifier(t, rec), 8, time.Second)
	defer c.Close()

	bus := eventbus.New()
	detach := c.Attach(bus)
	defer detach()

	bus.Publish(domain.TaskEvent{RunID: "run_1", Step: "Run OCR", Status: domain.TaskStatusDone})
	bus.Publish(domain.TaskEvent{RunID: "run_1", Step: domain.StepApproval, Status: domain.TaskStatusPaused, Message: "Awaiting approval: Send Reminder"})

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.received()[0]
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, "Awaiting approval: Send Reminder", got.Message)
}

func TestClient_ToastError(t *testing.T) {
	rec := &recorder{fail: true}
	c := NewClient(startNotifier(t, rec), 1, time.Second)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := c.Toast(ctx, ToastRequest{RunID: "run_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display unavailable")
}

func TestClient_DisabledWithoutAddr(t *testing.T) {
	c := NewClient("", 1, 0)
	c.Enqueue(ToastRequest{RunID: "run_1"})
	c.Enqueue(ToastRequest{RunID: "run_2"})
	c.Close()
	c.Close()
}
