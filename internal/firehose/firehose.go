// Package firehose republishes delivered events to NATS for out-of-band
// consumers.
package firehose

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher taps the post-reorder event stream: every payload the dispatcher
// delivers is republished to a NATS subject, already in sequence order.
// Publishing is fire-and-forget; a failure never affects client delivery.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// Connect dials the NATS server and keeps reconnecting for the process
// lifetime.
func Connect(url, subject string, log zerolog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("followermaze-firehose"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Str("subject", subject).Msg("firehose connected")

	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Publish sends one payload. Errors are logged and swallowed.
func (p *Publisher) Publish(payload string) {
	if err := p.conn.Publish(p.subject, []byte(payload)); err != nil {
		p.log.Warn().Err(err).Msg("firehose publish failed")
	}
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("firehose drain failed")
		p.conn.Close()
	}
}
