package transcode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"pewcast/internal/message"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

// Decode converts a raw wire payload into a neutral Message. Accepted inputs:
// a list of {type,data} wire objects, neutral {kind,...} objects, bare strings,
// a single object of either kind, or a plain string. Input that is not JSON is
// taken as literal text.
func (t *Transcoder) Decode(ctx context.Context, raw []byte, depth int) message.Message {
	if depth >= MaxDepth {
		t.log.Warn("decode depth limit reached", logx.Int("depth", depth))
		return message.New(message.Text(TooDeepText))
	}
	if len(raw) == 0 {
		return message.Message{}
	}
	if !gjson.ValidBytes(raw) {
		return message.FromText(string(raw))
	}

	var out message.Message
	r := gjson.ParseBytes(raw)
	switch {
	case r.IsArray():
		for i, item := range r.Array() {
			segs := t.decodeItem(ctx, item, depth)
			if segs == nil {
				t.log.Debug("wire item dropped", logx.Int("depth", depth), logx.Int("index", i))
			}
			out.Append(segs...)
		}
	case r.IsObject(), r.Type == gjson.String:
		out.Append(t.decodeItem(ctx, r, depth)...)
	default:
		t.log.Warn("unsupported payload shape", logx.Int("depth", depth), logx.String("type", r.Type.String()))
	}
	return out
}

func (t *Transcoder) decodeItem(ctx context.Context, item gjson.Result, depth int) []message.Segment {
	switch {
	case item.Type == gjson.String:
		if strings.TrimSpace(item.String()) == "" {
			return nil
		}
		return []message.Segment{message.Text(item.String())}
	case !item.IsObject():
		t.log.Warn("unsupported wire item", logx.String("type", item.Type.String()))
		return nil
	case item.Get("kind").Exists():
		var seg message.Segment
		if err := json.Unmarshal([]byte(item.Raw), &seg); err != nil {
			t.log.Warn("neutral segment rejected", logx.Err(err))
			return nil
		}
		if seg.IsBlank() {
			return nil
		}
		return []message.Segment{seg}
	case item.Get("type").Exists():
		return t.decodeWire(ctx, item.Get("type").String(), item.Get("data"), depth)
	}
	t.log.Warn("unrecognized wire item", logx.String("raw", truncate(item.Raw, 120)))
	return nil
}

func (t *Transcoder) decodeWire(ctx context.Context, typ string, data gjson.Result, depth int) []message.Segment {
	switch typ {
	case wire.TypeText:
		s := data.Get("text").String()
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return []message.Segment{message.Text(s)}

	case wire.TypeImage, wire.TypeVideo:
		src, ok := t.decodeSource(data)
		if !ok {
			t.log.Warn("media segment without usable source", logx.String("type", typ))
			return nil
		}
		var (
			seg message.Segment
			err error
		)
		if typ == wire.TypeImage {
			seg, err = message.Image(src)
		} else {
			seg, err = message.Video(src)
		}
		if err != nil {
			t.log.Warn("media segment rejected", logx.String("type", typ), logx.Err(err))
			return nil
		}
		return []message.Segment{seg}

	case wire.TypeAt:
		qq := strings.TrimSpace(data.Get("qq").String())
		switch {
		case strings.EqualFold(qq, wire.AtAll):
			return []message.Segment{message.MentionAll()}
		case qq != "":
			return []message.Segment{message.Mention(qq)}
		}
		return nil

	case wire.TypeForward:
		ref := ForwardRef{ID: data.Get("id").String()}
		if ref.ID == "" {
			ref.ID = data.Get("resid").String()
		}
		if c := data.Get("content"); c.Exists() && c.Type != gjson.Null {
			ref.Inline = []byte(c.Raw)
		}
		return []message.Segment{message.Forward(t.Resolve(ctx, ref, depth)...)}

	case wire.TypeJSON:
		if id, ok := multimsgID(data); ok {
			t.log.Debug("multimsg card detected", logx.String("forward_id", id))
			return []message.Segment{message.Forward(t.Resolve(ctx, ForwardRef{ID: id}, depth)...)}
		}
		t.log.Debug("json card ignored")
		return nil
	}
	t.log.Warn("unknown wire segment type dropped", logx.String("type", typ))
	return nil
}

func (t *Transcoder) decodeSource(data gjson.Result) (message.Source, bool) {
	var src message.Source
	if u := strings.TrimSpace(data.Get("url").String()); u != "" {
		src.URL = u
	}
	file := strings.TrimSpace(data.Get("file").String())
	switch {
	case strings.HasPrefix(file, wire.Base64Prefix):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(file, wire.Base64Prefix))
		if err != nil {
			t.log.Warn("bad base64 media payload", logx.Err(err))
			break
		}
		src.Raw = b
	case strings.HasPrefix(file, "http://"), strings.HasPrefix(file, "https://"):
		if src.URL == "" {
			src.URL = file
		}
	case strings.HasPrefix(file, "file://"):
		src.Path = pathFromFileURI(file)
	case file != "" && src.URL == "":
		src.Path = file
	}
	return src, !src.IsZero()
}

func pathFromFileURI(uri string) string {
	p := strings.TrimPrefix(uri, "file://")
	// file:///C:/x keeps the drive letter.
	if len(p) > 2 && p[0] == '/' && p[2] == ':' {
		return p[1:]
	}
	return p
}

// multimsgID returns the bundle id of a forward card:
// app == com.tencent.multimsg or view == Forward, carrying meta.detail.resid.
func multimsgID(data gjson.Result) (string, bool) {
	card := data.Get("data")
	if card.Type == gjson.String {
		if !gjson.Valid(card.String()) {
			return "", false
		}
		card = gjson.Parse(card.String())
	}
	if !card.IsObject() {
		return "", false
	}
	if card.Get("app").String() != "com.tencent.multimsg" && card.Get("view").String() != "Forward" {
		return "", false
	}
	id := strings.TrimSpace(card.Get("meta.detail.resid").String())
	return id, id != ""
}

// FindForwardRef scans a raw message for the first forward segment or forward
// card and returns its reference.
func FindForwardRef(raw []byte) (ForwardRef, bool) {
	if !gjson.ValidBytes(raw) {
		return ForwardRef{}, false
	}
	r := gjson.ParseBytes(raw)
	items := []gjson.Result{r}
	if r.IsArray() {
		items = r.Array()
	}
	for _, item := range items {
		data := item.Get("data")
		switch item.Get("type").String() {
		case wire.TypeForward:
			ref := ForwardRef{ID: data.Get("id").String()}
			if c := data.Get("content"); c.Exists() && c.Type != gjson.Null {
				ref.Inline = []byte(c.Raw)
			}
			if !ref.IsZero() {
				return ref, true
			}
		case wire.TypeJSON:
			if id, ok := multimsgID(data); ok {
				return ForwardRef{ID: id}, true
			}
		}
	}
	return ForwardRef{}, false
}

// FromQuoted builds broadcast content from a quoted message: a quoted forward
// becomes a single bundle segment, anything else is decoded as-is.
func (t *Transcoder) FromQuoted(ctx context.Context, raw []byte) message.Message {
	if ref, ok := FindForwardRef(raw); ok {
		return message.New(message.Forward(t.Resolve(ctx, ref, 0)...))
	}
	return t.Decode(ctx, raw, 0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
