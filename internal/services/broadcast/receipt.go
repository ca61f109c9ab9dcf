package broadcast

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"pewcast/internal/transport"
)

// ExtractMessageID reads the delivered message id from r: MessageID when set,
// else the first entry of IDs ({"message_id": x}, int or string).
func ExtractMessageID(r transport.Receipt) (int64, bool) {
	if r.MessageID != nil {
		return toInt64(r.MessageID)
	}
	if len(r.IDs) == 0 {
		return 0, false
	}
	first := r.IDs[0]
	switch v := first.(type) {
	case map[string]any:
		return toInt64(v["message_id"])
	case map[string]int64:
		id, ok := v["message_id"]
		return id, ok
	}
	return toInt64(first)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return id, err == nil
	}
	return 0, false
}
