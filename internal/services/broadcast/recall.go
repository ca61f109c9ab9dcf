package broadcast

import (
	"context"
	"time"

	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// RecallLast deletes every message recorded by the latest broadcast, one at a
// time, then clears the ledger. With nothing recorded it returns a zero
// result. When this process holds no ledger, the stored one is used.
func (s *Service) RecallLast(ctx context.Context) RecallResult {
	start := time.Now()
	cfg := s.config()

	g := s.ledger.snapshot()
	if len(g.Records) == 0 && s.deps.Store != nil {
		stored, err := s.deps.Store.LoadDeliveries(ctx)
		if err != nil {
			s.log.Warn("loading stored ledger failed", logx.Err(err))
		}
		g = stored
	}

	res := RecallResult{Generation: g.ID, Records: len(g.Records)}
	if res.Records == 0 {
		s.log.Info("nothing to recall")
		return res
	}

	log := s.log.With(logx.String("generation", g.ID))
	log.Info("recall started", logx.Int("records", res.Records))
	for i, d := range g.Records {
		dlog := log.With(logx.String("target", d.TargetKey), logx.Int64("message_id", d.MessageID))
		if i > 0 {
			if err := s.pause(ctx, cfg.RecallDelay); err != nil {
				dlog.Debug("recall delay interrupted", logx.Err(err))
			}
		}

		t, err := transport.ParseTarget(d.TargetKey)
		if err != nil {
			res.Failed++
			dlog.Error("bad ledger key", logx.Err(err))
			continue
		}
		err = s.deps.Transport.DeleteMessage(ctx, t, d.MessageID)
		switch {
		case err == nil:
			res.Success++
			dlog.Debug("recalled")
		case transport.IsMessageGone(err):
			dlog.Info("message already gone; nothing to recall", logx.Err(err))
		default:
			res.Failed++
			dlog.Error("recall failed", logx.Err(err))
		}
	}

	s.ledger.clear()
	if st := s.deps.Store; st != nil {
		if err := st.ClearDeliveries(context.WithoutCancel(ctx)); err != nil {
			log.Warn("clearing stored ledger failed", logx.Err(err))
		}
	}

	took := time.Since(start)
	log.Info("recall finished", logx.Int("success", res.Success), logx.Int("failed", res.Failed), logx.Duration("took", took))
	s.publish(eventbus.TypeRecallFinished, res)
	s.audit(ctx, storage.AuditEntry{
		Action:     "recall",
		Generation: res.Generation,
		Targets:    res.Records,
		OK:         res.Success,
		Fail:       res.Failed,
		Skip:       res.Records - res.Success - res.Failed,
		TookMS:     took.Milliseconds(),
	})
	return res
}

// Deliveries returns the ledger of the latest broadcast held by this process.
func (s *Service) Deliveries() storage.Generation {
	return s.ledger.snapshot()
}
