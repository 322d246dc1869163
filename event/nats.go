package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSMirror republishes report changes on a NATS subject for consumers outside this process. The
// idempotency key doubles as the JetStream message id, so streams with a duplicate window drop redeliveries.
type NATSMirror struct {
	logger  *slog.Logger
	pub     Publisher
	subject string
}

func NewNATSMirror(logger *slog.Logger, pub Publisher, subject string) *NATSMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSMirror{
		logger:  logger.With("component", "nats_mirror"),
		pub:     pub,
		subject: subject,
	}
}

// ConnectNATS dials a NATS server with reconnect logging.
func ConnectNATS(logger *slog.Logger, url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("janitor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
}

func (m *NATSMirror) HandleEvent(ctx context.Context, evt *ReportChanged) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling report change: %w", err)
	}

	msg := nats.NewMsg(m.subject)
	msg.Data = b
	msg.Header.Set(nats.MsgIdHdr, evt.IdempotencyKey())
	msg.Header.Set("Janitor-Kind", string(evt.Kind))

	if err := m.pub.PublishMsg(msg); err != nil {
		natsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: %w", m.subject, err)
	}
	natsPublished.WithLabelValues("ok").Inc()
	m.logger.Debug("mirrored report change", "report", evt.ReportID, "kind", evt.Kind)
	return nil
}
