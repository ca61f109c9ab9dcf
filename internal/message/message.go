package message

import (
	"iter"
	"strings"
)

// Message is an ordered sequence of segments. The zero value is an empty message.
type Message struct {
	segs []Segment
}

func New(segs ...Segment) Message {
	return Message{segs: append([]Segment(nil), segs...)}
}

// FromText builds a single-text message. Blank input yields an empty message.
func FromText(s string) Message {
	if strings.TrimSpace(s) == "" {
		return Message{}
	}
	return New(Text(s))
}

// Append adds segs to m. Copies of m taken before the call are unaffected.
func (m *Message) Append(segs ...Segment) {
	n := len(m.segs)
	m.segs = append(m.segs[:n:n], segs...)
}

func (m Message) Len() int { return len(m.segs) }

func (m Message) At(i int) Segment { return m.segs[i] }

// Segments returns a copy of the segment list.
func (m Message) Segments() []Segment { return append([]Segment(nil), m.segs...) }

// All iterates the segments in order. Each call starts over.
func (m Message) All() iter.Seq[Segment] {
	segs := m.segs
	return func(yield func(Segment) bool) {
		for _, s := range segs {
			if !yield(s) {
				return
			}
		}
	}
}

// Filter returns a new message holding the segments for which keep is true.
func (m Message) Filter(keep func(Segment) bool) Message {
	out := make([]Segment, 0, len(m.segs))
	for _, s := range m.segs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return Message{segs: out}
}

// IsEmpty reports whether m has no segments or only blank text.
func (m Message) IsEmpty() bool {
	for _, s := range m.segs {
		if !s.IsBlank() {
			return false
		}
	}
	return true
}

// HasForward reports whether any top-level segment is a forward bundle.
func (m Message) HasForward() bool {
	for _, s := range m.segs {
		if s.kind == KindForward && len(s.nodes) > 0 {
			return true
		}
	}
	return false
}

// SoleBundle returns the bundle nodes when m reduces to exactly one forward
// segment, ignoring blank text around it.
func (m Message) SoleBundle() ([]AuthoredNode, bool) {
	var found *Segment
	for i := range m.segs {
		s := &m.segs[i]
		if s.IsBlank() {
			continue
		}
		if s.kind != KindForward || found != nil {
			return nil, false
		}
		found = s
	}
	if found == nil || len(found.nodes) == 0 {
		return nil, false
	}
	return cloneNodes(found.nodes), true
}

func (m Message) String() string {
	var b strings.Builder
	for _, s := range m.segs {
		b.WriteString(s.String())
	}
	return b.String()
}
