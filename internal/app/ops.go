package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// TargetState is one candidate target and whether broadcasts skip it.
type TargetState struct {
	Target  transport.Target
	Blocked bool
	// Static is set when the block comes from targets.blocked in config.
	Static bool
}

// ListTargets lists the transport's candidate targets with their block
// state. The transport must be connected.
func (a *App) ListTargets(ctx context.Context) ([]TargetState, error) {
	dir, ok := a.tr.(transport.Directory)
	if !ok {
		return nil, fmt.Errorf("%s cannot list targets: %w", a.tr.Name(), transport.ErrUnsupported)
	}
	candidates, err := dir.ListCandidateTargets(ctx)
	if err != nil {
		return nil, err
	}
	flags := a.flags.Load()
	targetSet, enabledSet := targets.Resolve(ctx, candidates, nil, targets.FlagsFunc(a.isBlocked))
	enabled := targets.NewSet(enabledSet)

	out := make([]TargetState, 0, len(targetSet))
	for _, t := range targetSet {
		out = append(out, TargetState{
			Target:  t,
			Blocked: !enabled.Has(t.Key()),
			Static:  flags.Static[t.Key()],
		})
	}
	return out, nil
}

// SetBlocked persists a runtime block flag for key. Keys blocked in config
// cannot be unblocked here.
func (a *App) SetBlocked(ctx context.Context, key string, blocked bool) error {
	t, err := transport.ParseTarget(key)
	if err != nil {
		return err
	}
	if a.store == nil {
		return fmt.Errorf("block flags need storage: %w", storage.ErrDisabled)
	}
	if !blocked && a.flags.Load().Static[t.Key()] {
		return errors.New(t.Key() + " is blocked in config (targets.blocked)")
	}
	if err := a.store.SetBlocked(ctx, t.Key(), blocked); err != nil {
		return err
	}
	a.log.Info("block flag updated", logx.String("target", t.Key()), logx.Bool("blocked", blocked))
	return nil
}

// BlockedKeys merges config and stored block flags, sorted.
func (a *App) BlockedKeys(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for k := range a.flags.Load().Static {
		seen[k] = true
	}
	if a.store != nil {
		keys, err := a.store.BlockedKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
