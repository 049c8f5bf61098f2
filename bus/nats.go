package bus

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/logging"
)

// NATSBus carries control links over a NATS server, for masters and workers
// that do not share pipes.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	logger *logging.Logger

	mu   sync.Mutex
	subs []*subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	Config

	// URL of the server. Default: nats.DefaultURL.
	URL string

	// Name identifies the client in server monitoring.
	// Default: "gracekit".
	Name string

	// Token, or User and Password, authenticate the client.
	Token    string
	User     string
	Password string

	// ReconnectWait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects before the connection is given up; -1 retries forever.
	// A given-up connection ends every subscription, which the control
	// links report as a hang-up.
	MaxReconnects int

	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration

	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "gracekit",
		ReconnectWait:  time.Second,
		MaxReconnects:  30,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to a NATS server.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	b := &NATSBus{
		config: cfg,
		logger: logger.WithComponent("bus").With(map[string]interface{}{"url": cfg.URL}),
	}

	conn, err := nats.Connect(cfg.URL, b.options()...)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeLinkClosed, "connect to nats",
			errors.WithMetadata("url", cfg.URL))
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) options() []nats.Option {
	cfg := b.config
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", map[string]interface{}{"error": err})
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("nats reconnected", map[string]interface{}{"server": c.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.endSubscriptions()
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish sends data to subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, "nats publish", errors.WithMetadata("subject", subject))
	}
	return nil
}

// Subscribe creates a subscription to subject. NATS invokes the handler
// sequentially per subscription, which keeps publish order.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub := newSubscription(b.config.BufferSize)
	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		sub.deliver(&Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, errors.Wrap(err, "nats subscribe", errors.WithMetadata("subject", subject))
	}
	sub.release = natsSub.Unsubscribe

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Flush round-trips to the server so that earlier publishes are on the wire.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close flushes pending publishes, ends every subscription and closes the
// connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Flush(); err != nil {
		b.logger.Debug("flush before close", map[string]interface{}{"error": err})
	}
	b.endSubscriptions()
	b.conn.Close()
	return nil
}

func (b *NATSBus) endSubscriptions() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
