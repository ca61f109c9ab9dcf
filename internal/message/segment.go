package message

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSegment is returned when a segment is constructed without the data
// its kind requires.
var ErrInvalidSegment = errors.New("invalid segment")

// Kind tags a Segment variant.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindImage
	KindVideo
	KindMention
	KindMentionAll
	KindForward
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindMention:
		return "mention"
	case KindMentionAll:
		return "mention_all"
	case KindForward:
		return "forward"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Source locates media content. At least one field must be set.
type Source struct {
	URL  string
	Path string
	Raw  []byte
}

func (s Source) IsZero() bool {
	return strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Path) == "" && len(s.Raw) == 0
}

func (s Source) clone() Source {
	if s.Raw != nil {
		s.Raw = append([]byte(nil), s.Raw...)
	}
	return s
}

// Segment is one atomic unit of message content. Segments are immutable:
// accessors return copies of any slice they hold.
type Segment struct {
	kind   Kind
	text   string
	src    Source
	userID string
	nodes  []AuthoredNode
}

func Text(s string) Segment { return Segment{kind: KindText, text: s} }

func Image(src Source) (Segment, error) {
	if src.IsZero() {
		return Segment{}, fmt.Errorf("%w: image needs a url, path or inline bytes", ErrInvalidSegment)
	}
	return Segment{kind: KindImage, src: src.clone()}, nil
}

func Video(src Source) (Segment, error) {
	if src.IsZero() {
		return Segment{}, fmt.Errorf("%w: video needs a url, path or inline bytes", ErrInvalidSegment)
	}
	return Segment{kind: KindVideo, src: src.clone()}, nil
}

// MustImage is Image for literals known to be valid. It panics otherwise.
func MustImage(src Source) Segment {
	s, err := Image(src)
	if err != nil {
		panic(err)
	}
	return s
}

// MustVideo is Video for literals known to be valid. It panics otherwise.
func MustVideo(src Source) Segment {
	s, err := Video(src)
	if err != nil {
		panic(err)
	}
	return s
}

func Mention(userID string) Segment { return Segment{kind: KindMention, userID: userID} }

func MentionAll() Segment { return Segment{kind: KindMentionAll} }

// Forward wraps authored nodes into a bundle segment. Bundles nest through the
// nodes' content.
func Forward(nodes ...AuthoredNode) Segment {
	return Segment{kind: KindForward, nodes: cloneNodes(nodes)}
}

func (s Segment) Kind() Kind { return s.kind }

// Text returns the body of a text segment ("" for other kinds).
func (s Segment) Text() string { return s.text }

func (s Segment) Source() Source { return s.src.clone() }

func (s Segment) UserID() string { return s.userID }

func (s Segment) Nodes() []AuthoredNode { return cloneNodes(s.nodes) }

// IsBlank reports whether s is a text segment holding only whitespace.
func (s Segment) IsBlank() bool {
	return s.kind == KindText && strings.TrimSpace(s.text) == ""
}

func (s Segment) String() string {
	switch s.kind {
	case KindText:
		return s.text
	case KindImage, KindVideo:
		switch {
		case s.src.URL != "":
			return "[" + s.kind.String() + " " + s.src.URL + "]"
		case s.src.Path != "":
			return "[" + s.kind.String() + " " + s.src.Path + "]"
		default:
			return fmt.Sprintf("[%s %d bytes]", s.kind, len(s.src.Raw))
		}
	case KindMention:
		return "@" + s.userID
	case KindMentionAll:
		return "@all"
	case KindForward:
		return fmt.Sprintf("[forward %d nodes]", len(s.nodes))
	default:
		return ""
	}
}

func cloneNodes(in []AuthoredNode) []AuthoredNode {
	if in == nil {
		return nil
	}
	return append([]AuthoredNode(nil), in...)
}
