// Package relay is the optional live tap: every record a writer
// appends is also published to NATS, so downstream consumers can
// follow the book in real time without touching the archive.
package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/lobcap/internal/monitoring"
)

const flushWait = 2 * time.Second

// Config carries the relay's connection parameters.
type Config struct {
	URL           string
	SubjectPrefix string
}

// Relay publishes record lines to {prefix}.{symbol}. Publishing is
// best-effort: the NATS client buffers across reconnects, and anything
// it refuses is counted and forgotten — the archive path never waits
// on the relay.
type Relay struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// New connects to NATS. The caller disables the relay entirely (nil
// publisher) when no URL is configured; an unreachable broker here is
// an error so misconfiguration surfaces at startup.
func New(cfg Config, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{
		prefix: cfg.SubjectPrefix,
		logger: logger.With().Str("component", "relay").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.ConnectHandler(r.onConnect),
		nats.DisconnectErrHandler(r.onDisconnect),
		nats.ReconnectHandler(r.onReconnect),
		nats.ErrorHandler(r.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	r.conn = conn
	return r, nil
}

func (r *Relay) onConnect(conn *nats.Conn) {
	r.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connected")
}

func (r *Relay) onDisconnect(_ *nats.Conn, err error) {
	r.logger.Warn().Err(err).Msg("NATS disconnected")
}

func (r *Relay) onReconnect(conn *nats.Conn) {
	r.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
}

func (r *Relay) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	r.logger.Warn().Err(err).Msg("NATS async error")
}

// Publish sends one record to {prefix}.{symbol}. The archived line's
// trailing newline is stripped; subscribers get the bare JSON object.
func (r *Relay) Publish(symbol string, line []byte) {
	if err := r.conn.Publish(subjectFor(r.prefix, symbol), trimLine(line)); err != nil {
		monitoring.RecordRelayFailure()
		r.logger.Debug().Err(err).Str("symbol", symbol).Msg("Relay publish failed")
		return
	}
	monitoring.RecordRelayPublished()
}

// IsConnected reports broker reachability for health reporting.
func (r *Relay) IsConnected() bool {
	return r.conn != nil && r.conn.IsConnected()
}

// Close flushes buffered publishes within a bounded wait and closes
// the connection.
func (r *Relay) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.FlushTimeout(flushWait); err != nil {
		r.logger.Warn().Err(err).Msg("NATS flush failed, closing anyway")
	}
	r.conn.Close()
	r.logger.Info().Msg("Relay closed")
}

func subjectFor(prefix, symbol string) string {
	return prefix + "." + symbol
}

func trimLine(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		return line[:n-1]
	}
	return line
}
