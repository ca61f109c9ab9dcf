package transcode

import (
	"context"
	"encoding/json"

	"pewcast/internal/message"
	"pewcast/internal/wire"
)

// Content is broadcast input before normalization: either a neutral Message or
// a raw JSON payload in one of the legacy shapes (wire object list, string,
// list of strings, neutral objects).
type Content struct {
	msg message.Message
	raw []byte
}

func FromMessage(m message.Message) Content { return Content{msg: m} }

// FromRaw wraps a legacy JSON payload. Non-JSON bytes are read as text.
func FromRaw(b []byte) Content {
	return Content{raw: append([]byte(nil), b...)}
}

// FromText wraps a plain string.
func FromText(s string) Content {
	b, _ := json.Marshal(s)
	return Content{raw: b}
}

func (c Content) IsRaw() bool { return c.raw != nil }

// Message normalizes c into the neutral model, resolving forward references.
func (t *Transcoder) Message(ctx context.Context, c Content) message.Message {
	if c.raw == nil {
		return c.msg
	}
	return t.Decode(ctx, c.raw, 0)
}

// EncodeContent normalizes c and converts it to wire segments.
func (t *Transcoder) EncodeContent(ctx context.Context, c Content) []wire.Segment {
	return t.Encode(t.Message(ctx, c), 0)
}

// FromForwardID refers to a bundle stored on the platform; it is fetched
// when the content is normalized.
func FromForwardID(id string) Content {
	b, _ := json.Marshal([]map[string]any{{
		"type": wire.TypeForward,
		"data": map[string]string{"id": id},
	}})
	return Content{raw: b}
}
