package statusrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/core"
)

type emitted struct {
	event string
	args  []any
}

func recorder() (*[]emitted, EmitFunc) {
	var got []emitted
	return &got, func(event string, args ...any) {
		got = append(got, emitted{event: event, args: args})
	}
}

func TestRelay_Send(t *testing.T) {
	// --- Arrange ---
	got, emit := recorder()
	r := New(nil, emit, "")
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	// --- Act ---
	r.Send("progress", "half way")
	r.Send("progress", "done")

	// --- Assert ---
	require.Len(t, *got, 2)
	assert.Equal(t, DefaultEvent, (*got)[0].event)
	msg, ok := (*got)[1].args[0].(Message)
	require.True(t, ok)
	assert.Equal(t, Message{Topic: "progress", Message: "done", Time: "2026-01-02T03:04:05Z", Seq: 2}, msg)
	assert.Equal(t, 2, r.Sent())
}

func TestRelay_Chain(t *testing.T) {
	got, emit := recorder()
	r := New(nil, emit, "status")
	var local []string
	fn := r.Chain(func(topic, message string) { local = append(local, topic+":"+message) })

	fn("a", "b")

	assert.Equal(t, []string{"a:b"}, local)
	require.Len(t, *got, 1)
	assert.Equal(t, "status", (*got)[0].event)
	assert.NotPanics(t, func() { r.Chain(nil)("x", "y") })
}

func TestRelay_ClientStatusMessages(t *testing.T) {
	got, emit := recorder()
	r := New(nil, emit, "")

	p, err := core.Initialize(core.ProcessConfig{})
	require.NoError(t, err)
	t.Cleanup(p.Finalize)
	c, err := p.NewClient(context.Background(), core.ClientOptions{StatusFunc: r.StatusFunc()})
	require.NoError(t, err)
	require.NoError(t, c.QueueStatusMessage("build", "started"))

	delivered := c.Idle()

	assert.Equal(t, 1, delivered)
	require.Len(t, *got, 1)
	msg := (*got)[0].args[0].(Message)
	assert.Equal(t, "build", msg.Topic)
	assert.Equal(t, "started", msg.Message)
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "not a url"})
	assert.Error(t, err)
}
