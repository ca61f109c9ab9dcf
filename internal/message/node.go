package message

import "strings"

// DefaultAuthorID stands in for a missing sender id.
const DefaultAuthorID = "10000"

// AuthoredNode is one post inside a multi-author forward bundle.
type AuthoredNode struct {
	AuthorID    string  `json:"author_id"`
	DisplayName string  `json:"display_name"`
	Content     Message `json:"content"`
}

// NewNode fills in the sender defaults used when source data lacks them.
func NewNode(authorID, displayName string, content Message) AuthoredNode {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		authorID = DefaultAuthorID
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = DefaultDisplayName(authorID)
	}
	return AuthoredNode{AuthorID: authorID, DisplayName: displayName, Content: content}
}

// DefaultDisplayName derives a placeholder name from the first four characters
// of the author id.
func DefaultDisplayName(authorID string) string {
	r := []rune(authorID)
	if len(r) > 4 {
		r = r[:4]
	}
	return "user" + string(r)
}
