// Package statusrelay forwards client status messages to a socket.io
// server.
package statusrelay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEvent is the socket.io event status messages are emitted as.
const DefaultEvent = "dg_status"

// EmitFunc sends one socket.io event.
type EmitFunc func(event string, args ...any)

// Options configure Dial.
type Options struct {
	URL                string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	// ConnectTimeout defaults to 15s.
	ConnectTimeout time.Duration
}

// Message is the payload of one emitted status event.
type Message struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Time    string `json:"time"`
	Seq     uint64 `json:"seq"`
}

// Relay turns status callbacks into socket.io events.
type Relay struct {
	emit   EmitFunc
	event  string
	logger *slog.Logger
	close  func()

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

// New builds a relay around an emitter. An empty event means
// DefaultEvent.
func New(logger *slog.Logger, emit EmitFunc, event string) *Relay {
	if event == "" {
		event = DefaultEvent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{emit: emit, event: event, logger: logger, close: func() {}, now: time.Now}
}

// Dial connects to a socket.io server and returns a relay emitting on it.
func Dial(ctx context.Context, opts Options) (*Relay, error) {
	logger := ctxlog.FromContext(ctx).With("component", "statusrelay", "url", opts.URL)

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse status URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("status URL %q must be absolute", opts.URL)
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	sopts := socket.DefaultOptions()
	sopts.SetPath(parsedURL.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(opts.Namespace, sopts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Status relay connected.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connected <- err
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}

	r := New(logger, func(event string, args ...any) { io.Emit(event, args...) }, opts.Event)
	r.close = func() {
		logger.Debug("Closing status relay.", "sid", io.Id())
		io.Disconnect()
	}
	return r, nil
}

// Send emits one status message.
func (r *Relay) Send(topic, message string) {
	r.mu.Lock()
	r.seq++
	msg := Message{Topic: topic, Message: message, Time: r.now().UTC().Format(time.RFC3339Nano), Seq: r.seq}
	r.mu.Unlock()

	r.logger.Debug("Relaying status message.", "topic", topic, "seq", msg.Seq)
	r.emit(r.event, msg)
}

// StatusFunc returns a callback suitable for core.ClientOptions.
func (r *Relay) StatusFunc() core.StatusFunc {
	return r.Send
}

// Chain returns a StatusFunc calling next (if any) and then the relay.
func (r *Relay) Chain(next core.StatusFunc) core.StatusFunc {
	return func(topic, message string) {
		if next != nil {
			next(topic, message)
		}
		r.Send(topic, message)
	}
}

// Sent is the number of messages emitted so far.
func (r *Relay) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.seq)
}

// Close disconnects a dialed relay.
func (r *Relay) Close() {
	r.close()
}
