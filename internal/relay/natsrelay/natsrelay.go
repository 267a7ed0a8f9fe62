// Package natsrelay carries fan-out traffic between processes over NATS core
// subjects.
package natsrelay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Transport struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func New(url, name string, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("relay", "nats"))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Transport{nc: nc, logger: logger}, nil
}

func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	return t.nc.Publish(channel, payload)
}

// Subscribe maps a trailing "*" onto NATS's ">" so room ids containing dots
// still match.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error {
	subject := Subject(pattern)
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Subject converts a glob-style channel pattern into a NATS subject.
func Subject(pattern string) string {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return prefix + ">"
	}
	return pattern
}

func (t *Transport) Close() error {
	return t.nc.Drain()
}
