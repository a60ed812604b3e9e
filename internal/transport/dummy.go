// Package transport holds the outbound mail channels the dispatcher opens
// sessions on: SMTP, AWS SES and a logging dummy for development.
package transport

import (
	"context"
	"sync/atomic"

	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/dispatch"
)

// Dummy logs every message instead of sending it.
type Dummy struct {
	logger logger.Logger
	sent   atomic.Int64
}

func NewDummy(log logger.Logger) *Dummy {
	return &Dummy{logger: logger.Component(log, "dummy-mail")}
}

func (d *Dummy) Sent() int64 { return d.sent.Load() }

func (d *Dummy) Open(context.Context) (dispatch.Session, error) {
	return dummySession{d}, nil
}

type dummySession struct{ d *Dummy }

func (s dummySession) Send(_ context.Context, msg dispatch.Message) error {
	s.d.sent.Add(1)
	s.d.logger.Info("Dummy email", map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Text,
	})
	return nil
}

func (dummySession) Close() error { return nil }
