package broadcast

import (
	"context"
	"errors"
	"time"

	"pewcast/internal/message"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

var errNothingToSend = errors.New("forward bundle encoded to no nodes")

// Distribute sends msg to each target in order and records the delivered ids
// as a new ledger generation. It never returns early: every target ends up
// counted as a success, an error or a skip.
func (s *Service) Distribute(ctx context.Context, msg message.Message, ts []transport.Target) Result {
	res, _ := s.distribute(ctx, msg, ts, "")
	return res
}

func (s *Service) distribute(ctx context.Context, msg message.Message, ts []transport.Target, jobID string) (Result, string) {
	cfg := s.config()
	tr := s.deps.Transport
	fwd, canForward := tr.(transport.ForwardSender)
	tc := s.transcoder()

	gen := s.ledger.reset(time.Now())
	if st := s.deps.Store; st != nil {
		if err := st.ClearDeliveries(ctx); err != nil {
			s.log.Warn("clearing stored ledger failed", logx.Err(err))
		}
	}
	log := s.log.With(logx.String("generation", gen))
	if jobID != "" {
		log = log.With(logx.String("job", jobID))
	}
	log.Info("distribution started", logx.Int("targets", len(ts)), logx.Bool("forward", msg.HasForward()))

	var (
		res        Result
		nodes      []wire.Node
		nodesReady bool
	)
	for i, t := range ts {
		tlog := log.With(logx.String("target", t.Key()), logx.Int("index", i))

		if !t.Addressable() {
			tlog.Warn("target has no address; skipped")
			res.Skipped++
			s.markProgress(jobID, outcomeSkip)
			continue
		}
		if s.deps.Flags.IsBlocked(ctx, t) {
			tlog.Debug("broadcast disabled for target; skipped")
			res.Skipped++
			s.markProgress(jobID, outcomeSkip)
			continue
		}

		var (
			receipt transport.Receipt
			err     error
		)
		switch {
		case msg.HasForward() && canForward && fwd.SupportsForward(t):
			if !nodesReady {
				nodes = tc.BundleNodes(msg)
				nodesReady = true
			}
			if len(nodes) == 0 {
				err = errNothingToSend
				break
			}
			receipt, err = fwd.SendForwardBundle(ctx, t, nodes)
		default:
			if msg.HasForward() {
				tlog.Debug("no native forward for target; sending as regular message")
			}
			receipt, err = tr.SendMessage(ctx, t, msg)
		}

		if err != nil {
			res.Errors++
			s.markProgress(jobID, outcomeError)
			tlog.Error("send failed", logx.Err(err))
			if errors.Is(err, errNothingToSend) {
				continue
			}
		} else {
			res.Success++
			s.markProgress(jobID, outcomeSuccess)
			if id, ok := ExtractMessageID(receipt); ok {
				s.ledger.record(gen, t.Key(), id)
				tlog.Debug("sent", logx.Int64("message_id", id))
			} else {
				tlog.Warn("sent, but receipt carries no message id; it cannot be recalled")
			}
		}

		d := s.jitter(cfg.PaceMin, cfg.PaceMax)
		if err := s.pause(ctx, d); err != nil {
			tlog.Debug("pacing interrupted", logx.Err(err))
		}
	}

	if st := s.deps.Store; st != nil {
		if g := s.ledger.snapshot(); g.ID == gen && len(g.Records) > 0 {
			if err := st.SaveDeliveries(context.WithoutCancel(ctx), g); err != nil {
				log.Warn("persisting ledger failed; recall limited to this process", logx.Err(err))
			}
		}
	}

	log.Info("distribution finished",
		logx.Int("success", res.Success), logx.Int("errors", res.Errors), logx.Int("skipped", res.Skipped),
		logx.Int("recorded", s.ledger.len()))
	return res, gen
}

func (s *Service) transcoder() *transcode.Transcoder {
	if s.deps.Transcoder != nil {
		return s.deps.Transcoder
	}
	return transcode.New(nil, s.log)
}
