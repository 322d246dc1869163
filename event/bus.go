package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

type Handler interface {
	HandleEvent(ctx context.Context, evt *ReportChanged) error
}

type HandlerFunc func(ctx context.Context, evt *ReportChanged) error

func (f HandlerFunc) HandleEvent(ctx context.Context, evt *ReportChanged) error {
	return f(ctx, evt)
}

// TxHandler runs inside the transaction that writes a report change. Its error rolls the change back.
type TxHandler interface {
	HandleEventTx(tx *gorm.DB, evt *ReportChanged) error
}

type namedHandler struct {
	name    string
	handler Handler
}

type namedTxHandler struct {
	name    string
	handler TxHandler
}

// Bus fans report changes out to registered handlers, in registration order.
//
// Transactional handlers see a change before it commits and can veto it. Regular handlers run after commit,
// synchronously on the publishing goroutine; their errors are logged and counted but never reach the
// publisher, since the change they describe is already committed.
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   []namedHandler
	txHandlers []namedTxHandler
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event_bus"),
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, namedHandler{name: name, handler: h})
}

// SubscribeTx registers a handler that runs inside the writing transaction.
func (b *Bus) SubscribeTx(name string, h TxHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txHandlers = append(b.txHandlers, namedTxHandler{name: name, handler: h})
}

// PublishTx runs the transactional handlers against tx, stopping at the first error.
func (b *Bus) PublishTx(tx *gorm.DB, evt *ReportChanged) error {
	b.mu.RLock()
	handlers := make([]namedTxHandler, len(b.txHandlers))
	copy(handlers, b.txHandlers)
	b.mu.RUnlock()

	for _, nh := range handlers {
		start := time.Now()
		err := nh.handler.HandleEventTx(tx, evt)
		handlerDuration.WithLabelValues(nh.name).Observe(time.Since(start).Seconds())
		if err != nil {
			handlerErrors.WithLabelValues(nh.name).Inc()
			return fmt.Errorf("%s: %w", nh.name, err)
		}
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, evt *ReportChanged) {
	b.mu.RLock()
	handlers := make([]namedHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	eventsPublished.WithLabelValues(string(evt.Kind)).Inc()
	for _, nh := range handlers {
		start := time.Now()
		err := nh.handler.HandleEvent(ctx, evt)
		handlerDuration.WithLabelValues(nh.name).Observe(time.Since(start).Seconds())
		if err != nil {
			handlerErrors.WithLabelValues(nh.name).Inc()
			b.logger.Error("report change handler failed", "handler", nh.name, "report", evt.ReportID, "kind", evt.Kind, "err", err)
		}
	}
}
