package storage

import (
	"context"

	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Flags answers target block lookups from a Store plus a static list from
// config. A failed lookup is logged and treated as not blocked.
type Flags struct {
	Store  Store
	Static map[string]bool
	Log    logx.Logger
}

func (f Flags) IsBlocked(ctx context.Context, t transport.Target) bool {
	key := t.Key()
	if f.Static[key] {
		return true
	}
	if f.Store == nil {
		return false
	}
	blocked, err := f.Store.IsBlocked(ctx, key)
	if err != nil {
		f.Log.Warn("block flag lookup failed", logx.String("target", key), logx.Err(err))
		return false
	}
	return blocked
}
