// Package wire holds the OneBot v11 segment and node shapes used to submit
// multi-author forward bundles.
package wire

const (
	TypeText    = "text"
	TypeImage   = "image"
	TypeVideo   = "video"
	TypeAt      = "at"
	TypeForward = "forward"
	TypeNode    = "node"
	TypeJSON    = "json"

	// AtAll is the at-segment target that mentions everyone.
	AtAll = "all"

	Base64Prefix = "base64://"
	FilePrefix   = "file:///"
)

// Segment is one wire segment: {"type": ..., "data": {...}}.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Node is one entry of a forward bundle submission.
type Node struct {
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

type NodeData struct {
	UserID   string    `json:"user_id"`
	Nickname string    `json:"nickname"`
	Content  []Segment `json:"content"`
}

func Text(s string) Segment {
	return Segment{Type: TypeText, Data: map[string]any{"text": s}}
}

func At(target string) Segment {
	return Segment{Type: TypeAt, Data: map[string]any{"qq": target}}
}

// Media builds an image or video segment pointing at file, with an optional url.
func Media(typ, file, url string) Segment {
	d := map[string]any{"file": file}
	if url != "" {
		d["url"] = url
	}
	return Segment{Type: typ, Data: d}
}

func NewNode(userID, nickname string, content []Segment) Node {
	return Node{Type: TypeNode, Data: NodeData{UserID: userID, Nickname: nickname, Content: content}}
}

// TextOf returns the text of a text segment, or "".
func (s Segment) TextOf() string {
	if s.Type != TypeText {
		return ""
	}
	v, _ := s.Data["text"].(string)
	return v
}
