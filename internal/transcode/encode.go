package transcode

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"pewcast/internal/message"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

// Separators framing a flattened nested bundle node.
const (
	nodeOpenFormat = "\n--- from %s (%s) ---\n"
	nodeClose      = "\n---\n"
)

// Encode converts msg into wire segments. Nested bundles are flattened into
// separator-framed text runs; depth counts bundle nesting so far.
func (t *Transcoder) Encode(msg message.Message, depth int) []wire.Segment {
	out := make([]wire.Segment, 0, msg.Len())
	for seg := range msg.All() {
		out = append(out, t.EncodeSegment(seg, depth)...)
	}
	return out
}

// EncodeSegment converts one segment. Only bundles expand to more than one
// wire segment. Local media paths are sent as absolute file:/// URIs, so a
// relative path decodes back as its absolute form. Mention("all") encodes to
// the same at-all segment as MentionAll and decodes as MentionAll.
func (t *Transcoder) EncodeSegment(seg message.Segment, depth int) []wire.Segment {
	switch seg.Kind() {
	case message.KindText:
		return []wire.Segment{wire.Text(seg.Text())}
	case message.KindImage:
		return t.encodeMedia(wire.TypeImage, seg.Source())
	case message.KindVideo:
		return t.encodeMedia(wire.TypeVideo, seg.Source())
	case message.KindMention:
		return []wire.Segment{wire.At(seg.UserID())}
	case message.KindMentionAll:
		return []wire.Segment{wire.At(wire.AtAll)}
	case message.KindForward:
		return t.flattenBundle(seg.Nodes(), depth)
	}
	t.log.Warn("unencodable segment dropped", logx.String("kind", seg.Kind().String()))
	return nil
}

func (t *Transcoder) encodeMedia(typ string, src message.Source) []wire.Segment {
	switch {
	case len(src.Raw) > 0:
		return []wire.Segment{wire.Media(typ, wire.Base64Prefix+base64.StdEncoding.EncodeToString(src.Raw), "")}
	case src.URL != "":
		return []wire.Segment{wire.Media(typ, src.URL, src.URL)}
	case src.Path != "":
		t.log.Warn("local media path may not render remotely", logx.String("type", typ), logx.String("path", src.Path))
		return []wire.Segment{wire.Media(typ, fileURI(src.Path), "")}
	}
	t.log.Warn("media segment without source dropped", logx.String("type", typ))
	return nil
}

// fileURI makes path absolute against the working directory. Drive-letter
// paths are kept as given.
func fileURI(path string) string {
	if !filepath.IsAbs(path) && !hasDriveLetter(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return wire.FilePrefix + strings.TrimPrefix(filepath.ToSlash(path), "/")
}

func hasDriveLetter(path string) bool {
	return len(path) > 2 && path[1] == ':' && (path[2] == '/' || path[2] == '\\')
}

func (t *Transcoder) flattenBundle(nodes []message.AuthoredNode, depth int) []wire.Segment {
	if depth >= MaxDepth {
		t.log.Warn("bundle nesting too deep; flattened as placeholder", logx.Int("depth", depth))
		return []wire.Segment{wire.Text(TooDeepText)}
	}
	var out []wire.Segment
	for _, n := range nodes {
		inner := t.Encode(n.Content, depth+1)
		if len(inner) == 0 {
			continue
		}
		out = append(out, wire.Text(fmt.Sprintf(nodeOpenFormat, n.DisplayName, n.AuthorID)))
		out = append(out, inner...)
		out = append(out, wire.Text(nodeClose))
	}
	return out
}

// EncodeNodes converts a top-level bundle into wire nodes. Node content sits
// one level below the bundle, so nested bundles inside it are flattened.
// Nodes whose content encodes to nothing are omitted.
func (t *Transcoder) EncodeNodes(nodes []message.AuthoredNode) []wire.Node {
	out := make([]wire.Node, 0, len(nodes))
	for _, n := range nodes {
		content := t.Encode(n.Content, 1)
		if len(content) == 0 {
			t.log.Debug("empty bundle node omitted", logx.String("author_id", n.AuthorID))
			continue
		}
		out = append(out, wire.NewNode(n.AuthorID, n.DisplayName, content))
	}
	return out
}

// BundleNodes picks the nodes to submit natively for msg: the bundle itself
// when it is the only meaningful segment, otherwise one node authored by the
// bot holding the whole message.
func (t *Transcoder) BundleNodes(msg message.Message) []wire.Node {
	if nodes, ok := msg.SoleBundle(); ok {
		return t.EncodeNodes(nodes)
	}
	t.log.Debug("mixed message flattened into a single bundle node")
	id := t.SelfID
	if id == "" {
		id = message.DefaultAuthorID
	}
	return t.EncodeNodes([]message.AuthoredNode{{AuthorID: id, DisplayName: t.SelfName, Content: msg}})
}
