package message

import (
	"encoding/json"
	"fmt"
)

// segmentJSON is the neutral wire-independent encoding of a Segment.
type segmentJSON struct {
	Kind   string         `json:"kind"`
	Text   string         `json:"text,omitempty"`
	URL    string         `json:"url,omitempty"`
	Path   string         `json:"path,omitempty"`
	Raw    []byte         `json:"raw,omitempty"`
	UserID string         `json:"user_id,omitempty"`
	Nodes  []AuthoredNode `json:"nodes,omitempty"`
}

func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentJSON{
		Kind:   s.kind.String(),
		Text:   s.text,
		URL:    s.src.URL,
		Path:   s.src.Path,
		Raw:    s.src.Raw,
		UserID: s.userID,
		Nodes:  s.nodes,
	})
}

func (s *Segment) UnmarshalJSON(b []byte) error {
	var j segmentJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	seg, err := j.segment()
	if err != nil {
		return err
	}
	*s = seg
	return nil
}

func (j segmentJSON) segment() (Segment, error) {
	src := Source{URL: j.URL, Path: j.Path, Raw: j.Raw}
	switch j.Kind {
	case "text":
		return Text(j.Text), nil
	case "image":
		return Image(src)
	case "video":
		return Video(src)
	case "mention":
		if j.UserID == "" {
			return Segment{}, fmt.Errorf("%w: mention without user_id", ErrInvalidSegment)
		}
		return Mention(j.UserID), nil
	case "mention_all":
		return MentionAll(), nil
	case "forward":
		return Forward(j.Nodes...), nil
	default:
		return Segment{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSegment, j.Kind)
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.segs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.segs)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var segs []Segment
	if err := json.Unmarshal(b, &segs); err != nil {
		return err
	}
	m.segs = segs
	return nil
}
