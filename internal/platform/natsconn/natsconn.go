// Package natsconn connects services to NATS and prepares their JetStream
// streams. Callers pass every setting explicitly; the service config owns
// the defaults.
package natsconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var ErrNoURL = errors.New("natsconn: url is required")

const (
	DefaultMaxReconnects = 5
	DefaultReconnectWait = 2 * time.Second
)

type Options struct {
	URL  string
	Name string
	// MaxReconnects bounds reconnect attempts after a lost connection. Zero
	// means DefaultMaxReconnects; a negative value retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

// Connect dials once and fails fast when the server is unreachable, so the
// caller decides whether the service can run without NATS. Later
// disconnects and reconnects are logged.
func Connect(opts Options) (*nats.Conn, error) {
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = DefaultReconnectWait
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}
