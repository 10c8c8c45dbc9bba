// Package notify pushes desktop toasts for runs that need a human, over
// JSON-RPC to a notifier process.
package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
)

// Toast levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ToastRequest is the body of a Notifier.Toast call.
type ToastRequest struct {
	RunID   string `json:"run_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// ToastResponse is the reply to a Notifier.Toast call.
type ToastResponse struct {
	OK bool `json:"ok"`
}

// Client forwards toasts from a bounded queue on a single worker. A full
// queue drops toasts rather than holding up the publisher.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration

	queue chan ToastRequest
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewClient creates a client for addr, which may be host:port or a URL.
// An empty addr yields a client that discards every toast.
func NewClient(addr string, queueSize int, callTimeout time.Duration) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	c := &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: callTimeout,
		callTimeout: callTimeout,
		queue:       make(chan ToastRequest, queueSize),
		stop:        make(chan struct{}),
	}
	if c.addr != "" {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Attach forwards toast-worthy events from bus. The returned func detaches.
func (c *Client) Attach(bus *eventbus.Bus) func() {
	return bus.SubscribeAll(func(ev domain.TaskEvent) {
		if toast, ok := ToastFor(ev); ok {
			c.Enqueue(toast)
		}
	})
}

// ToastFor reports whether ev deserves a toast and builds it.
func ToastFor(ev domain.TaskEvent) (ToastRequest, bool) {
	t := ToastRequest{RunID: ev.RunID, Message: ev.Message}
	switch {
	case ev.Step == domain.StepApproval && ev.Status == domain.TaskStatusPaused:
		t.Title, t.Level = "Approval needed", LevelWarn
	case ev.Step == domain.StepApproval && ev.Status == domain.TaskStatusDone:
		t.Title, t.Level = "Approved", LevelInfo
	case ev.Step == domain.StepApproval && ev.Status == domain.TaskStatusError:
		t.Title, t.Level = "Rejected", LevelInfo
	case ev.Status == domain.TaskStatusPaused:
		t.Title, t.Level = "Review needed: "+ev.Step, LevelWarn
	case ev.Status == domain.TaskStatusError:
		t.Title, t.Level = ev.Step+" failed", LevelError
	default:
		return ToastRequest{}, false
	}
	return t, true
}

// Enqueue queues a toast without blocking.
func (c *Client) Enqueue(t ToastRequest) {
	if c.addr == "" {
		return
	}
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.queue <- t:
	default:
		log.Printf("WARN: notify queue full, dropping toast for run %s", t.RunID)
	}
}

// Close stops the worker after it finishes the toast in flight.
func (c *Client) Close() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case t := <-c.queue:
			if err := c.Toast(context.Background(), t); err != nil {
				log.Printf("WARN: %v", err)
			}
		}
	}
}

// Toast delivers one toast synchronously.
func (c *Client) Toast(ctx context.Context, t ToastRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var resp ToastResponse
	if err := c.call(ctx, "Notifier.Toast", &t, &resp); err != nil {
		return fmt.Errorf("failed to send toast for run %s: %w", t.RunID, err)
	}
	if !resp.OK {
		return fmt.Errorf("notifier rejected toast for run %s", t.RunID)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
