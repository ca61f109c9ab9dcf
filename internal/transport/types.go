package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pewcast/internal/message"
	"pewcast/internal/wire"
)

// Target is one broadcast destination: a group, optionally narrowed to a
// channel (guild channel, forum thread).
type Target struct {
	GroupID   string `json:"group_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Key is the identity of t: "group:channel" when a channel is set, else the
// group id alone.
func (t Target) Key() string {
	if t.ChannelID != "" {
		return t.GroupID + ":" + t.ChannelID
	}
	return t.GroupID
}

// Addressable reports whether t can be sent to at all.
func (t Target) Addressable() bool { return strings.TrimSpace(t.GroupID) != "" }

func (t Target) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s (%s)", t.Key(), t.Name)
	}
	return t.Key()
}

// ParseTarget is the inverse of Key.
func ParseTarget(key string) (Target, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Target{}, fmt.Errorf("empty target key")
	}
	group, channel, _ := strings.Cut(key, ":")
	if group == "" {
		return Target{}, fmt.Errorf("target key %q has no group", key)
	}
	return Target{GroupID: group, ChannelID: channel}, nil
}

// Receipt is what a platform returns for a delivered message. Either
// MessageID is set, or IDs lists entries of the form {"message_id": ...},
// int or string; the first one identifies the message.
type Receipt struct {
	MessageID any   `json:"message_id,omitempty"`
	IDs       []any `json:"ids,omitempty"`
}

// Transport is the delivery capability consumed by the broadcast engine.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, to Target, msg message.Message) (Receipt, error)
	DeleteMessage(ctx context.Context, to Target, messageID int64) error
}

// ForwardSender is implemented by transports that can deliver a multi-author
// bundle natively.
type ForwardSender interface {
	SupportsForward(to Target) bool
	SendForwardBundle(ctx context.Context, to Target, nodes []wire.Node) (Receipt, error)
}

// ForwardFetcher loads a stored bundle by id.
type ForwardFetcher interface {
	FetchForwardBundle(ctx context.Context, id string) (json.RawMessage, error)
}

// Directory lists the destinations a broadcast may reach.
type Directory interface {
	ListCandidateTargets(ctx context.Context) ([]Target, error)
}

// Operator receives short plain-text notices (warnings, broadcast summaries)
// for whoever runs the bot.
type Operator interface {
	NotifyOperator(ctx context.Context, text string) error
}
