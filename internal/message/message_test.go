package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaRequiresSource(t *testing.T) {
	t.Parallel()
	_, err := Image(Source{})
	require.ErrorIs(t, err, ErrInvalidSegment)
	_, err = Video(Source{URL: "   "})
	require.ErrorIs(t, err, ErrInvalidSegment)

	img, err := Image(Source{Raw: []byte{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, KindImage, img.Kind())
}

func TestSegmentsAreImmutable(t *testing.T) {
	t.Parallel()
	raw := []byte("abc")
	img := MustImage(Source{Raw: raw})
	raw[0] = 'X'
	assert.Equal(t, []byte("abc"), img.Source().Raw)

	got := img.Source()
	got.Raw[0] = 'Y'
	assert.Equal(t, []byte("abc"), img.Source().Raw)

	nodes := []AuthoredNode{NewNode("1", "a", FromText("x"))}
	fwd := Forward(nodes...)
	nodes[0].DisplayName = "changed"
	assert.Equal(t, "a", fwd.Nodes()[0].DisplayName)
}

func TestMessageIsEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "zero", msg: Message{}, want: true},
		{name: "blank text", msg: New(Text("  "), Text("\n")), want: true},
		{name: "text", msg: New(Text(" hi ")), want: false},
		{name: "mention only", msg: New(MentionAll()), want: false},
		{name: "blank then image", msg: New(Text(" "), MustImage(Source{URL: "http://x"})), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.IsEmpty())
		})
	}
}

func TestFilterAndIterate(t *testing.T) {
	t.Parallel()
	m := New(Text("a"), Text(" "), Mention("42"), Text("b"))
	nonBlank := m.Filter(func(s Segment) bool { return !s.IsBlank() })
	require.Equal(t, 3, nonBlank.Len())
	assert.Equal(t, 4, m.Len(), "filter must not mutate the source")

	var kinds []Kind
	for s := range nonBlank.All() {
		kinds = append(kinds, s.Kind())
	}
	assert.Equal(t, []Kind{KindText, KindMention, KindText}, kinds)

	// restartable
	n := 0
	for range nonBlank.All() {
		n++
	}
	assert.Equal(t, 3, n)
}

func TestAppendPreservesOrder(t *testing.T) {
	t.Parallel()
	var m Message
	m.Append(Text("1"))
	m.Append(Mention("2"), MentionAll())
	assert.Equal(t, "1@2@all", m.String())
}

func TestAppendDoesNotLeakBetweenCopies(t *testing.T) {
	t.Parallel()
	var base Message
	base.Append(Text("1"), Text("2"), Text("3"), Text("4"))

	b := base
	b.Append(Text("from-b"))
	c := base
	c.Append(Text("from-c"))

	assert.Equal(t, 4, base.Len())
	require.Equal(t, 5, b.Len())
	require.Equal(t, 5, c.Len())
	assert.Equal(t, "from-b", b.At(4).Text())
	assert.Equal(t, "from-c", c.At(4).Text())
}

func TestSoleBundle(t *testing.T) {
	t.Parallel()
	node := NewNode("123456", "", FromText("hi"))
	nodes, ok := New(Text(" "), Forward(node)).SoleBundle()
	require.True(t, ok)
	require.Len(t, nodes, 1)
	assert.Equal(t, "user1234", nodes[0].DisplayName)

	_, ok = New(Text("intro"), Forward(node)).SoleBundle()
	assert.False(t, ok)
	assert.True(t, New(Text("intro"), Forward(node)).HasForward())

	_, ok = New(Forward()).SoleBundle()
	assert.False(t, ok)
}

func TestNodeDefaults(t *testing.T) {
	t.Parallel()
	n := NewNode("", "", Message{})
	assert.Equal(t, DefaultAuthorID, n.AuthorID)
	assert.Equal(t, "user1000", n.DisplayName)
	assert.Equal(t, "user12", DefaultDisplayName("12"))
}

func TestSegmentJSON(t *testing.T) {
	t.Parallel()
	in := New(
		Text("hello"),
		MustImage(Source{Raw: []byte{0xff, 0x00}}),
		Mention("99"),
		MentionAll(),
		Forward(NewNode("7", "seven", New(MustVideo(Source{URL: "https://v"})))),
	)
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in.Len(), out.Len())
	for i := 0; i < in.Len(); i++ {
		assert.Equal(t, in.At(i).Kind(), out.At(i).Kind())
	}
	assert.Equal(t, []byte{0xff, 0x00}, out.At(1).Source().Raw)
	assert.Equal(t, "https://v", out.At(4).Nodes()[0].Content.At(0).Source().URL)

	var bad Segment
	err = json.Unmarshal([]byte(`{"kind":"image"}`), &bad)
	assert.True(t, errors.Is(err, ErrInvalidSegment))
}
