// Package nats implements the messaging interfaces on a NATS connection.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-detection/common/logging"
	"github.com/telhawk-systems/telhawk-detection/common/messaging"
)

type Config struct {
	URL  string
	Name string
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	// Timeout bounds the initial connect.
	Timeout time.Duration
	// HandlerTimeout is the deadline given to each message handler; zero
	// means none.
	HandlerTimeout time.Duration

	Username string
	Password string
	Token    string
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-detection",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client is a messaging.Client backed by a single NATS connection.
type Client struct {
	conn           *nats.Conn
	logger         *logging.Logger
	handlerTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects and returns once the first connection is up.
func NewClient(cfg Config) (*Client, error) {
	logger := logging.Default().With(logging.Component("nats"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("connection lost", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("connection restored", "url", c.ConnectedUrl())
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, logger: logger, handlerTimeout: cfg.HandlerTimeout}, nil
}

// Publish sends data on subject, tagged with the execution id on ctx.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(outgoing(ctx, subject, data))
}

func (c *Client) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", subject, err)
	}
	return c.Publish(ctx, subject, data)
}

func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, "", handler)
}

func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, queue, handler)
}

func (c *Client) subscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	log := c.logger.With("subject", subject)
	if queue != "" {
		log = log.With("queue", queue)
	}
	cb := func(msg *nats.Msg) {
		m := natsToMessage(msg)
		ctx, cancel := c.handlerContext(m)
		defer cancel()
		if err := handler(ctx, m); err != nil {
			log.ErrorContext(ctx, "message handler failed", logging.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return subscription{sub}, nil
}

func (c *Client) handlerContext(m *messaging.Message) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if id := m.ExecutionID(); id != "" {
		ctx = logging.WithExecution(ctx, id)
	}
	if c.handlerTimeout > 0 {
		return context.WithTimeout(ctx, c.handlerTimeout)
	}
	return ctx, func() {}
}

// Close drops every subscription and the connection without draining.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	c.conn.Close()
	return nil
}

func (c *Client) Drain() error { return c.conn.Drain() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s subscription) Subject() string    { return s.sub.Subject }
func (s subscription) IsValid() bool      { return s.sub.IsValid() }

func outgoing(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := logging.ExecutionIDFrom(ctx); id != "" {
		msg.Header.Set(messaging.HeaderExecutionID, id)
	}
	return msg
}

func natsToMessage(msg *nats.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reply:     msg.Reply,
		Timestamp: time.Now(),
	}
	if len(msg.Header) > 0 {
		m.Metadata = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			m.Metadata[k] = msg.Header.Get(k)
		}
	}
	return m
}
