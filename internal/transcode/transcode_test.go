package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/message"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

type fakeFetcher struct {
	bundles map[string]string
	err     error
	calls   []string
}

func (f *fakeFetcher) FetchForwardBundle(_ context.Context, id string) (json.RawMessage, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bundles[id]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(b), nil
}

func newTestTranscoder(f Fetcher) *Transcoder {
	return New(f, logx.Nop())
}

func soleText(t *testing.T, n message.AuthoredNode) string {
	t.Helper()
	require.Equal(t, 1, n.Content.Len())
	require.Equal(t, message.KindText, n.Content.At(0).Kind())
	return n.Content.At(0).Text()
}

func TestResolvePlaceholders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		fetch    *fakeFetcher
		ref      ForwardRef
		depth    int
		wantName string
		wantText string
	}{
		{name: "too deep", ref: ForwardRef{ID: "x"}, depth: MaxDepth, wantName: "info", wantText: TooDeepText},
		{name: "far too deep", ref: ForwardRef{ID: "x"}, depth: 7, wantName: "info", wantText: TooDeepText},
		{name: "nothing to go on", ref: ForwardRef{}, wantName: "error", wantText: UnresolvableText},
		{name: "fetch error", fetch: &fakeFetcher{err: errors.New("boom")}, ref: ForwardRef{ID: "x"}, wantName: "error", wantText: UnavailableText},
		{name: "fetch null", fetch: &fakeFetcher{}, ref: ForwardRef{ID: "x"}, wantName: "error", wantText: UnavailableText},
		{name: "no fetcher", ref: ForwardRef{ID: "x"}, wantName: "error", wantText: UnavailableText},
		{name: "fetch empty list", fetch: &fakeFetcher{bundles: map[string]string{"x": `[]`}}, ref: ForwardRef{ID: "x"}, wantName: "info", wantText: EmptyText},
		{name: "all nodes empty", ref: ForwardRef{Inline: []byte(`[{"sender":{"user_id":1},"message":[]}]`)}, wantName: "info", wantText: EmptyText},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f Fetcher
			if tt.fetch != nil {
				f = tt.fetch
			}
			nodes := newTestTranscoder(f).Resolve(context.Background(), tt.ref, tt.depth)
			require.Len(t, nodes, 1)
			assert.Equal(t, "0", nodes[0].AuthorID)
			assert.Equal(t, tt.wantName, nodes[0].DisplayName)
			assert.Equal(t, tt.wantText, soleText(t, nodes[0]))
		})
	}
}

func TestResolveFetchedShapes(t *testing.T) {
	t.Parallel()
	list := `[{"sender":{"user_id":123456,"nickname":"Ann"},"message":[{"type":"text","data":{"text":"hi"}}]},` +
		`{"content":"plain yo"}]`
	shapes := map[string]string{
		"list":     list,
		"messages": `{"messages":` + list + `}`,
		"data":     `{"data":{"message":` + list + `}}`,
	}
	for name, body := range shapes {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{bundles: map[string]string{"fw": body}}
			nodes := newTestTranscoder(f).Resolve(context.Background(), ForwardRef{ID: "fw"}, 0)
			require.Len(t, nodes, 2)
			assert.Equal(t, "123456", nodes[0].AuthorID)
			assert.Equal(t, "Ann", nodes[0].DisplayName)
			assert.Equal(t, "hi", soleText(t, nodes[0]))
			assert.Equal(t, message.DefaultAuthorID, nodes[1].AuthorID)
			assert.Equal(t, "user1000", nodes[1].DisplayName)
			assert.Equal(t, "plain yo", soleText(t, nodes[1]))
		})
	}
}

func TestResolveInlineWinsOverID(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{bundles: map[string]string{"fw": `[]`}}
	inline := `[{"sender":{"user_id":"9"},"message":"inline"}]`
	nodes := newTestTranscoder(f).Resolve(context.Background(), ForwardRef{Inline: []byte(inline), ID: "fw"}, 0)
	require.Len(t, nodes, 1)
	assert.Equal(t, "inline", soleText(t, nodes[0]))
	assert.Empty(t, f.calls)

	// inline held as a JSON string
	quoted, _ := json.Marshal(inline)
	nodes = newTestTranscoder(nil).Resolve(context.Background(), ForwardRef{Inline: quoted}, 0)
	require.Len(t, nodes, 1)
	assert.Equal(t, "9", nodes[0].AuthorID)
}

func TestResolveFallsBackToFetchOnBadInline(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{bundles: map[string]string{"fw": `[{"message":"fetched"}]`}}
	nodes := newTestTranscoder(f).Resolve(context.Background(), ForwardRef{Inline: []byte(`{not json`), ID: "fw"}, 0)
	require.Len(t, nodes, 1)
	assert.Equal(t, "fetched", soleText(t, nodes[0]))
	assert.Equal(t, []string{"fw"}, f.calls)
}

func TestResolveEmptyInlineFallsBackToID(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{bundles: map[string]string{"X": `[{"message":"fetched"}]`}}
	tc := newTestTranscoder(f)

	nodes := tc.Resolve(context.Background(), ForwardRef{Inline: []byte(`[]`), ID: "X"}, 0)
	require.Len(t, nodes, 1)
	assert.Equal(t, "fetched", soleText(t, nodes[0]))
	assert.Equal(t, []string{"X"}, f.calls)

	// without an id the empty list stays an empty bundle
	nodes = tc.Resolve(context.Background(), ForwardRef{Inline: []byte(`[]`)}, 0)
	require.Len(t, nodes, 1)
	assert.Equal(t, EmptyText, soleText(t, nodes[0]))
	assert.Len(t, f.calls, 1)
}

// nestedForward builds a forward wire segment nested levels deep, with text at
// the bottom.
func nestedForward(levels int, bottom string) string {
	inner := fmt.Sprintf(`[{"type":"text","data":{"text":%q}}]`, bottom)
	for i := 0; i < levels; i++ {
		inner = fmt.Sprintf(`[{"type":"forward","data":{"content":[{"sender":{"user_id":"%d"},"message":%s}]}}]`, i+1, inner)
	}
	return inner
}

func TestDecodeDeepNestingCollapses(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	msg := tc.Decode(context.Background(), []byte(nestedForward(4, "bottom")), 0)

	// levels 1..3 are bundles; the third bundle's node content is the placeholder.
	cur := msg
	for level := 1; level <= 3; level++ {
		require.Equal(t, 1, cur.Len(), "level %d", level)
		require.Equal(t, message.KindForward, cur.At(0).Kind(), "level %d", level)
		nodes := cur.At(0).Nodes()
		require.Len(t, nodes, 1)
		cur = nodes[0].Content
	}
	require.Equal(t, 1, cur.Len())
	assert.Equal(t, TooDeepText, cur.At(0).Text())
	assert.NotContains(t, cur.String(), "bottom")
}

func TestDecodeTolerantShapes(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		raw   string
		kinds []message.Kind
	}{
		{name: "plain string", raw: `"hello"`, kinds: []message.Kind{message.KindText}},
		{name: "not json", raw: `hello there`, kinds: []message.Kind{message.KindText}},
		{name: "list of strings", raw: `["a"," ","b"]`, kinds: []message.Kind{message.KindText, message.KindText}},
		{name: "neutral objects", raw: `[{"kind":"mention","user_id":"5"},{"kind":"text","text":"x"}]`, kinds: []message.Kind{message.KindMention, message.KindText}},
		{name: "single wire object", raw: `{"type":"at","data":{"qq":"ALL"}}`, kinds: []message.Kind{message.KindMentionAll}},
		{name: "numeric at", raw: `[{"type":"at","data":{"qq":12345}}]`, kinds: []message.Kind{message.KindMention}},
		{name: "unknown dropped", raw: `[{"type":"face","data":{"id":1}},{"type":"text","data":{"text":"ok"}}]`, kinds: []message.Kind{message.KindText}},
		{name: "media", raw: `[{"type":"image","data":{"file":"base64://AAE="}},{"type":"video","data":{"file":"https://v/1.mp4"}}]`, kinds: []message.Kind{message.KindImage, message.KindVideo}},
		{name: "media without source", raw: `[{"type":"image","data":{}}]`},
		{name: "invalid neutral", raw: `[{"kind":"image"}]`},
		{name: "number", raw: `42`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := tc.Decode(ctx, []byte(tt.raw), 0)
			var kinds []message.Kind
			for s := range msg.All() {
				kinds = append(kinds, s.Kind())
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestDecodeMultimsgCard(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{bundles: map[string]string{"RES1": `[{"message":"from card"}]`}}
	card := `{"app":"com.tencent.multimsg","meta":{"detail":{"resid":"RES1"}}}`
	seg, _ := json.Marshal(map[string]any{"type": "json", "data": map[string]any{"data": card}})

	msg := newTestTranscoder(f).Decode(context.Background(), []byte("["+string(seg)+"]"), 0)
	require.Equal(t, 1, msg.Len())
	require.Equal(t, message.KindForward, msg.At(0).Kind())
	assert.Equal(t, "from card", msg.At(0).Nodes()[0].Content.String())

	ref, ok := FindForwardRef([]byte("[" + string(seg) + "]"))
	require.True(t, ok)
	assert.Equal(t, "RES1", ref.ID)

	_, ok = FindForwardRef([]byte(`[{"type":"json","data":{"data":"{\"app\":\"other\"}"}}]`))
	assert.False(t, ok)
}

func TestFromQuoted(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{bundles: map[string]string{"F": `{"messages":[{"sender":{"user_id":"1","nickname":"n"},"content":"x"}]}`}}
	tc := newTestTranscoder(f)

	msg := tc.FromQuoted(context.Background(), []byte(`[{"type":"text","data":{"text":"look"}},{"type":"forward","data":{"id":"F"}}]`))
	nodes, ok := msg.SoleBundle()
	require.True(t, ok)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n", nodes[0].DisplayName)

	msg = tc.FromQuoted(context.Background(), []byte(`[{"type":"text","data":{"text":"just text"}}]`))
	assert.Equal(t, "just text", msg.String())
}

func TestEncodeSegments(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	msg := message.New(
		message.Text("hi"),
		message.MustImage(message.Source{URL: "https://img/1.png"}),
		message.MustImage(message.Source{Raw: []byte{0, 1}}),
		message.MustVideo(message.Source{Path: "/tmp/v.mp4"}),
		message.Mention("77"),
		message.MentionAll(),
	)
	out := tc.Encode(msg, 0)
	require.Len(t, out, 6)

	assert.Equal(t, wire.Text("hi"), out[0])
	assert.Equal(t, map[string]any{"file": "https://img/1.png", "url": "https://img/1.png"}, out[1].Data)
	assert.Equal(t, "base64://AAE=", out[2].Data["file"])
	assert.Equal(t, wire.TypeVideo, out[3].Type)
	assert.Equal(t, "file:///tmp/v.mp4", out[3].Data["file"])
	assert.Equal(t, wire.At("77"), out[4])
	assert.Equal(t, wire.At(wire.AtAll), out[5])
}

func TestEncodeLocalPaths(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	wd, err := os.Getwd()
	require.NoError(t, err)

	rel := tc.EncodeSegment(message.MustImage(message.Source{Path: "img/a.png"}), 0)
	require.Len(t, rel, 1)
	uri := rel[0].Data["file"].(string)
	assert.Equal(t, wire.FilePrefix+strings.TrimPrefix(filepath.ToSlash(filepath.Join(wd, "img/a.png")), "/"), uri)

	b, err := json.Marshal(rel)
	require.NoError(t, err)
	back := tc.Decode(context.Background(), b, 0)
	require.Equal(t, 1, back.Len())
	assert.Equal(t, filepath.Join(wd, "img/a.png"), back.At(0).Source().Path)

	drive := tc.EncodeSegment(message.MustImage(message.Source{Path: "C:/media/b.png"}), 0)
	assert.Equal(t, "file:///C:/media/b.png", drive[0].Data["file"])

	all := tc.EncodeSegment(message.Mention(wire.AtAll), 0)
	assert.Equal(t, tc.EncodeSegment(message.MentionAll(), 0), all)
}

func TestEncodeFlattensNestedBundle(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	bundle := message.Forward(
		message.NewNode("1", "Ann", message.FromText("x")),
		message.NewNode("2", "Bob", message.Message{}),
	)
	out := tc.EncodeSegment(bundle, 0)
	require.Len(t, out, 3)
	assert.Equal(t, "\n--- from Ann (1) ---\n", out[0].TextOf())
	assert.Equal(t, "x", out[1].TextOf())
	assert.Equal(t, "\n---\n", out[2].TextOf())

	out = tc.EncodeSegment(bundle, MaxDepth)
	require.Len(t, out, 1)
	assert.Equal(t, TooDeepText, out[0].TextOf())
}

func TestBundleNodes(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	tc.SelfID = "42"

	inner := message.NewNode("7", "Sev", message.New(message.Text("a"), message.Forward(message.NewNode("8", "E", message.FromText("deep")))))
	nodes := tc.BundleNodes(message.New(message.Forward(inner)))
	require.Len(t, nodes, 1)
	assert.Equal(t, "7", nodes[0].Data.UserID)
	var texts []string
	for _, s := range nodes[0].Data.Content {
		texts = append(texts, s.TextOf())
	}
	assert.Equal(t, "a\n--- from E (8) ---\ndeep\n---\n", strings.Join(texts, ""))

	mixed := tc.BundleNodes(message.New(message.Text("intro"), message.Forward(inner)))
	require.Len(t, mixed, 1)
	assert.Equal(t, "42", mixed[0].Data.UserID)
	assert.Equal(t, "broadcast", mixed[0].Data.Nickname)

	assert.Empty(t, tc.BundleNodes(message.New(message.Forward(message.NewNode("1", "x", message.Message{})))))
}

func TestRoundTripPreservesKindsAndOrder(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	in := message.New(
		message.Text("a"),
		message.MustImage(message.Source{Raw: []byte("png")}),
		message.Mention("3"),
		message.MustVideo(message.Source{URL: "https://v"}),
		message.MentionAll(),
		message.MustImage(message.Source{Path: "/srv/x.png"}),
	)
	b, err := json.Marshal(tc.Encode(in, 0))
	require.NoError(t, err)

	out := tc.Decode(context.Background(), b, 0)
	require.Equal(t, in.Len(), out.Len())
	for i := 0; i < in.Len(); i++ {
		assert.Equal(t, in.At(i).Kind(), out.At(i).Kind(), "segment %d", i)
	}
	assert.Equal(t, []byte("png"), out.At(1).Source().Raw)
	assert.Equal(t, "/srv/x.png", out.At(5).Source().Path)
}

func TestContentIngestion(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(nil)
	ctx := context.Background()

	assert.Equal(t, "hi", tc.Message(ctx, FromText("hi")).String())
	assert.True(t, tc.Message(ctx, FromText("   ")).IsEmpty())
	assert.False(t, FromMessage(message.FromText("x")).IsRaw())

	segs := tc.EncodeContent(ctx, FromRaw([]byte(`[{"type":"text","data":{"text":"w"}},"s"]`)))
	require.Len(t, segs, 2)
	assert.Equal(t, "s", segs[1].TextOf())

	f := &fakeFetcher{bundles: map[string]string{
		"fw1": `[{"type":"node","data":{"user_id":"7","nickname":"Ann","content":"hello"}}]`,
	}}
	msg := newTestTranscoder(f).Message(ctx, FromForwardID("fw1"))
	nodes, ok := msg.SoleBundle()
	require.True(t, ok)
	require.Len(t, nodes, 1)
	assert.Equal(t, "hello", soleText(t, nodes[0]))
}
