package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"pewcast/internal/eventbus"
	"pewcast/internal/services/broadcast"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

const (
	operatorNoticeTimeout  = 10 * time.Second
	operatorNoticeAttempts = 3
	operatorRetryBase      = 500 * time.Millisecond
	operatorRetryMax       = 5 * time.Second
)

// startEvents logs every lifecycle event and, when enabled, forwards
// broadcast and recall summaries to the operator.
func (a *App) startEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer unsub()
		eventbus.Consume(c, events, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			a.notifyEvent(c, e)
		})
	})
}

// notifyEvent sends the summary of a finished broadcast or recall to the
// operator chat.
func (a *App) notifyEvent(ctx context.Context, e eventbus.Event) {
	if !a.notifyOps.Load() {
		return
	}
	op, ok := a.tr.(transport.Operator)
	if !ok {
		return
	}
	text := eventSummary(e)
	if text == "" {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= operatorNoticeAttempts; attempt++ {
		nctx, cancel := context.WithTimeout(ctx, operatorNoticeTimeout)
		err := op.NotifyOperator(nctx, text)
		cancel()
		if err == nil || errors.Is(err, transport.ErrUnsupported) {
			return
		}
		lastErr = err
		a.log.Debug("operator notice failed", logx.Err(err), logx.Int("attempt", attempt))
		if attempt == operatorNoticeAttempts {
			break
		}
		t := time.NewTimer(retryDelay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	a.log.Warn("operator notice failed", logx.String("type", e.Type), logx.Err(lastErr))
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(attempt int) time.Duration {
	d := operatorRetryBase
	for i := 1; i < attempt && d < operatorRetryMax; i++ {
		d *= 2
	}
	d = min(d, operatorRetryMax)
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}

func eventSummary(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case broadcast.Report:
		return d.Summary()
	case broadcast.RecallResult:
		return d.Summary()
	}
	return ""
}
