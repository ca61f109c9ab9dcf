// Package transcode converts between the neutral message model and the OneBot
// wire shapes used for forward bundles, and resolves nested forward references
// into authored nodes.
//
// Every function in this package is total: malformed input degrades to
// placeholder nodes or dropped segments, never to an error. Recursion through
// nested bundles is bounded by an explicit depth counter (MaxDepth).
package transcode

import (
	"context"
	"encoding/json"

	"pewcast/internal/message"
	logx "pewcast/pkg/logx"
)

// MaxDepth bounds forward bundle nesting. At this depth content collapses into
// a single placeholder.
const MaxDepth = 3

// Placeholder texts emitted instead of unreachable or omitted content.
const (
	TooDeepText      = "[nested forward too deep, omitted]"
	UnavailableText  = "[nested forward unavailable]"
	UnresolvableText = "[nested forward unresolvable]"
	EmptyText        = "[nested forward content empty]"
)

// Fetcher loads a stored forward bundle by id. The reply may be a node list,
// {"messages": [...]} or {"data": {"message": [...]}}.
type Fetcher interface {
	FetchForwardBundle(ctx context.Context, id string) (json.RawMessage, error)
}

// Transcoder is safe for concurrent use.
type Transcoder struct {
	fetch Fetcher
	log   logx.Logger

	// SelfID and SelfName author the synthetic node used when a mixed message
	// has to be flattened into a bundle.
	SelfID   string
	SelfName string
}

// New returns a Transcoder. fetch may be nil, in which case id-only forward
// references resolve to the "unavailable" placeholder.
func New(fetch Fetcher, log logx.Logger) *Transcoder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transcoder{fetch: fetch, log: log, SelfName: "broadcast"}
}

func placeholderNode(name, text string) message.AuthoredNode {
	return message.AuthoredNode{AuthorID: "0", DisplayName: name, Content: message.New(message.Text(text))}
}
