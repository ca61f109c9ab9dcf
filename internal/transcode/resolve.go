package transcode

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"pewcast/internal/message"
	logx "pewcast/pkg/logx"
)

// ForwardRef points at nested forward content: inline node data, an opaque
// bundle id to fetch, or both (inline wins when it parses to a non-empty list).
type ForwardRef struct {
	Inline []byte
	ID     string
}

func (r ForwardRef) IsZero() bool { return len(r.Inline) == 0 && strings.TrimSpace(r.ID) == "" }

// Resolve turns ref into authored nodes. The result is never empty: failures
// yield a single placeholder node.
func (t *Transcoder) Resolve(ctx context.Context, ref ForwardRef, depth int) []message.AuthoredNode {
	log := t.log.With(logx.Int("depth", depth))
	if depth >= MaxDepth {
		log.Warn("forward nesting too deep; content omitted", logx.Int("max_depth", MaxDepth))
		return []message.AuthoredNode{placeholderNode("info", TooDeepText)}
	}

	var (
		nodes  []message.AuthoredNode
		parsed bool
	)

	id := strings.TrimSpace(ref.ID)
	// an empty inline list counts as absent when there is an id to fetch
	if list, ok := inlineNodes(ref.Inline); ok && (len(list) > 0 || id == "") {
		parsed = true
		log.Debug("resolving inline forward nodes", logx.Int("nodes", len(list)))
		nodes = t.buildNodes(ctx, list, depth+1)
	}

	switch {
	case !parsed && id != "":
		if t.fetch == nil {
			log.Warn("forward fetch unavailable; no fetcher", logx.String("forward_id", id))
			return []message.AuthoredNode{placeholderNode("error", UnavailableText)}
		}
		raw, err := t.fetch.FetchForwardBundle(ctx, id)
		if err != nil {
			log.Error("forward fetch failed", logx.String("forward_id", id), logx.Err(err))
			return []message.AuthoredNode{placeholderNode("error", UnavailableText)}
		}
		list, ok := fetchedNodes(raw)
		if !ok {
			log.Warn("forward fetch returned no node list", logx.String("forward_id", id))
			return []message.AuthoredNode{placeholderNode("error", UnavailableText)}
		}
		parsed = true
		log.Debug("resolving fetched forward nodes", logx.String("forward_id", id), logx.Int("nodes", len(list)))
		nodes = t.buildNodes(ctx, list, depth+1)
	case !parsed:
		log.Warn("forward segment has neither content nor id")
		return []message.AuthoredNode{placeholderNode("error", UnresolvableText)}
	}

	if len(nodes) == 0 {
		log.Warn("forward parsed but yielded no nodes")
		return []message.AuthoredNode{placeholderNode("info", EmptyText)}
	}
	return nodes
}

// inlineNodes accepts a JSON node list, or a JSON string that itself holds one.
func inlineNodes(b []byte) ([]gjson.Result, bool) {
	if len(b) == 0 || !gjson.ValidBytes(b) {
		return nil, false
	}
	r := gjson.ParseBytes(b)
	if r.Type == gjson.String {
		inner := r.String()
		if !gjson.Valid(inner) {
			return nil, false
		}
		r = gjson.Parse(inner)
	}
	if !r.IsArray() {
		return nil, false
	}
	return r.Array(), true
}

func fetchedNodes(b []byte) ([]gjson.Result, bool) {
	if len(b) == 0 || !gjson.ValidBytes(b) {
		return nil, false
	}
	r := gjson.ParseBytes(b)
	switch {
	case r.IsArray():
		return r.Array(), true
	case r.Get("messages").IsArray():
		return r.Get("messages").Array(), true
	case r.Get("data.message").IsArray():
		return r.Get("data.message").Array(), true
	}
	return nil, false
}

func (t *Transcoder) buildNodes(ctx context.Context, list []gjson.Result, depth int) []message.AuthoredNode {
	out := make([]message.AuthoredNode, 0, len(list))
	for i, nd := range list {
		if n, ok := t.buildNode(ctx, nd, depth); ok {
			out = append(out, n)
			continue
		}
		t.log.Warn("forward node skipped", logx.Int("depth", depth), logx.Int("index", i))
	}
	return out
}

// buildNode reads a fetched node ({sender, message|content}) or a wire node
// ({type: node, data: {user_id, nickname, content}}).
func (t *Transcoder) buildNode(ctx context.Context, nd gjson.Result, depth int) (message.AuthoredNode, bool) {
	if !nd.IsObject() {
		return message.AuthoredNode{}, false
	}
	var uid, name string
	var payload gjson.Result

	if data := nd.Get("data"); nd.Get("type").String() == "node" && data.IsObject() {
		uid = data.Get("user_id").String()
		name = data.Get("nickname").String()
		payload = data.Get("content")
	} else {
		uid = nd.Get("sender.user_id").String()
		name = nd.Get("sender.nickname").String()
		payload = nd.Get("message")
		if isEmptyPayload(payload) {
			payload = nd.Get("content")
		}
	}
	if isEmptyPayload(payload) {
		return message.AuthoredNode{}, false
	}

	content := t.Decode(ctx, []byte(payload.Raw), depth)
	if content.IsEmpty() {
		return message.AuthoredNode{}, false
	}
	return message.NewNode(uid, name, content), true
}

func isEmptyPayload(r gjson.Result) bool {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return true
	case r.Type == gjson.String:
		return r.String() == ""
	case r.IsArray():
		return len(r.Array()) == 0
	}
	return false
}
