package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/common/messaging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.Zero(t, cfg.HandlerTimeout)
}

func TestNatsToMessage(t *testing.T) {
	msg := &nats.Msg{
		Subject: "detection.jobs.execute",
		Data:    []byte(`{"rule_id":"r1"}`),
		Reply:   "_INBOX.1",
		Header:  nats.Header{"X-Request-Id": []string{"abc"}},
	}

	m := natsToMessage(msg)
	assert.Equal(t, "detection.jobs.execute", m.Subject)
	assert.Equal(t, `{"rule_id":"r1"}`, string(m.Data))
	assert.Equal(t, "_INBOX.1", m.Reply)
	assert.Equal(t, "abc", m.Metadata["X-Request-Id"])
	assert.False(t, m.Timestamp.IsZero())
}

func TestNatsToMessage_NoHeaders(t *testing.T) {
	m := natsToMessage(&nats.Msg{Subject: "s"})
	assert.Nil(t, m.Metadata)
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.MaxReconnects = 0
	cfg.Timeout = 100 * time.Millisecond

	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestOutgoing_ExecutionHeader(t *testing.T) {
	ctx := logging.WithExecution(context.Background(), "exec-1")
	msg := outgoing(ctx, "detection.alerts.created", []byte(`{}`))

	assert.Equal(t, "detection.alerts.created", msg.Subject)
	assert.Equal(t, "exec-1", msg.Header.Get(messaging.HeaderExecutionID))

	plain := outgoing(context.Background(), "s", nil)
	assert.Empty(t, plain.Header, "no run id, no headers")
}

func TestHandlerContext(t *testing.T) {
	c := &Client{handlerTimeout: time.Second}
	m := natsToMessage(&nats.Msg{
		Subject: "detection.jobs.execute",
		Header:  nats.Header{messaging.HeaderExecutionID: []string{"exec-2"}},
	})

	ctx, cancel := c.handlerContext(m)
	defer cancel()
	assert.Equal(t, "exec-2", logging.ExecutionIDFrom(ctx))
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	ctx, cancel = (&Client{}).handlerContext(natsToMessage(&nats.Msg{Subject: "s"}))
	defer cancel()
	require.NoError(t, ctx.Err())
	_, ok = ctx.Deadline()
	assert.False(t, ok)
	assert.Empty(t, logging.ExecutionIDFrom(ctx))
}
