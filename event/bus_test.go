package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/crossguard/janitor/models"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func testEvent() *ReportChanged {
	return NewReportChanged(KindFiled, &models.Report{
		ID:             12,
		SubjectID:      100,
		OriginGuildID:  200,
		Category:       models.CategorySpam,
		IsActive:       true,
		UpdatedAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		LastModifiedBy: 300,
	})
}

func TestBusOrderAndErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	bus := NewBus(nil)

	var calls []string
	bus.Subscribe("first", HandlerFunc(func(ctx context.Context, evt *ReportChanged) error {
		calls = append(calls, "first")
		return errors.New("boom")
	}))
	bus.Subscribe("second", HandlerFunc(func(ctx context.Context, evt *ReportChanged) error {
		calls = append(calls, "second")
		return nil
	}))

	bus.Publish(ctx, testEvent())
	// a failing handler does not stop the ones after it
	assert.Equal([]string{"first", "second"}, calls)
}

type txHandlerFunc func(tx *gorm.DB, evt *ReportChanged) error

func (f txHandlerFunc) HandleEventTx(tx *gorm.DB, evt *ReportChanged) error {
	return f(tx, evt)
}

func TestBusTxHandlersStopAtFirstError(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus(nil)

	assert.NoError(bus.PublishTx(nil, testEvent()))

	var calls []string
	boom := errors.New("boom")
	bus.SubscribeTx("outbox", txHandlerFunc(func(tx *gorm.DB, evt *ReportChanged) error {
		calls = append(calls, "outbox")
		return boom
	}))
	bus.SubscribeTx("audit", txHandlerFunc(func(tx *gorm.DB, evt *ReportChanged) error {
		calls = append(calls, "audit")
		return nil
	}))

	err := bus.PublishTx(nil, testEvent())
	assert.ErrorIs(err, boom)
	assert.Contains(err.Error(), "outbox")
	assert.Equal([]string{"outbox"}, calls)
}

func TestReportChangedKinds(t *testing.T) {
	assert := assert.New(t)

	evt := testEvent()
	assert.True(evt.IsNewReport())
	assert.True(evt.AffectsScore())
	assert.Equal("12:2024-05-01T00:00:00Z", evt.IdempotencyKey())

	evt.Kind = KindHoneypot
	assert.True(evt.IsNewReport())

	evt.Kind = KindExplanationUpdated
	assert.False(evt.IsNewReport())
	assert.False(evt.AffectsScore())

	evt.Kind = KindDeactivated
	assert.False(evt.IsNewReport())
	assert.True(evt.AffectsScore())
}

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakePublisher) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func TestNATSMirror(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	pub := &fakePublisher{}
	mirror := NewNATSMirror(nil, pub, "janitor.reports")
	evt := testEvent()
	assert.NoError(mirror.HandleEvent(ctx, evt))

	assert.Len(pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal("janitor.reports", msg.Subject)
	assert.Equal(evt.IdempotencyKey(), msg.Header.Get(nats.MsgIdHdr))

	var decoded map[string]any
	assert.NoError(json.Unmarshal(msg.Data, &decoded))
	assert.Equal("100", decoded["subject_user_id"])
	assert.Equal("spam", decoded["category"])
	assert.Equal(true, decoded["is_active"])

	pub.err = errors.New("no responders")
	assert.Error(mirror.HandleEvent(ctx, evt))
}
