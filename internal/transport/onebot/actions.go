package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"pewcast/internal/message"
	"pewcast/internal/transport"
	"pewcast/internal/wire"
)

var (
	_ transport.Transport      = (*Client)(nil)
	_ transport.ForwardSender  = (*Client)(nil)
	_ transport.ForwardFetcher = (*Client)(nil)
	_ transport.Directory      = (*Client)(nil)
	_ transport.Operator       = (*Client)(nil)
)

func (c *Client) SendMessage(ctx context.Context, to transport.Target, msg message.Message) (transport.Receipt, error) {
	segs := c.tc.Load().Encode(msg, 0)
	if len(segs) == 0 {
		return transport.Receipt{}, errors.New("onebot: message encoded to no segments")
	}
	if to.ChannelID != "" {
		data, err := c.call(ctx, "send_guild_channel_msg", map[string]any{
			"guild_id":   to.GroupID,
			"channel_id": to.ChannelID,
			"message":    segs,
		})
		if err != nil {
			return transport.Receipt{}, err
		}
		return receipt(data), nil
	}
	data, err := c.call(ctx, "send_group_msg", map[string]any{
		"group_id": idParam(to.GroupID),
		"message":  segs,
	})
	if err != nil {
		return transport.Receipt{}, err
	}
	return receipt(data), nil
}

// SupportsForward is true for plain groups; guild channels have no
// forward-bundle action.
func (c *Client) SupportsForward(to transport.Target) bool { return to.ChannelID == "" }

func (c *Client) SendForwardBundle(ctx context.Context, to transport.Target, nodes []wire.Node) (transport.Receipt, error) {
	if !c.SupportsForward(to) {
		return transport.Receipt{}, fmt.Errorf("forward bundle to %s: %w", to.Key(), transport.ErrUnsupported)
	}
	data, err := c.call(ctx, "send_group_forward_msg", map[string]any{
		"group_id": idParam(to.GroupID),
		"messages": nodes,
	})
	if err != nil {
		return transport.Receipt{}, err
	}
	return receipt(data), nil
}

// FetchForwardBundle returns the raw data of get_forward_msg. Implementations
// disagree on the parameter name, so both are sent.
func (c *Client) FetchForwardBundle(ctx context.Context, id string) (json.RawMessage, error) {
	data, err := c.call(ctx, "get_forward_msg", map[string]any{"id": id, "message_id": id})
	if err != nil {
		return nil, err
	}
	if !data.Exists() || data.Type == gjson.Null {
		return nil, fmt.Errorf("get_forward_msg %s: empty reply", id)
	}
	return json.RawMessage(data.Raw), nil
}

func (c *Client) DeleteMessage(ctx context.Context, _ transport.Target, messageID int64) error {
	_, err := c.call(ctx, "delete_msg", map[string]any{"message_id": messageID})
	return err
}

func (c *Client) ListCandidateTargets(ctx context.Context) ([]transport.Target, error) {
	data, err := c.call(ctx, "get_group_list", nil)
	if err != nil {
		return nil, err
	}
	var out []transport.Target
	for _, g := range data.Array() {
		id := strings.TrimSpace(g.Get("group_id").String())
		if id == "" {
			continue
		}
		out = append(out, transport.Target{GroupID: id, Name: g.Get("group_name").String()})
	}
	return out, nil
}

func (c *Client) NotifyOperator(ctx context.Context, text string) error {
	uid := strings.TrimSpace(c.cfg.OperatorID)
	if uid == "" {
		return fmt.Errorf("operator notice: no operator id: %w", transport.ErrUnsupported)
	}
	_, err := c.call(ctx, "send_private_msg", map[string]any{
		"user_id": idParam(uid),
		"message": []wire.Segment{wire.Text(text)},
	})
	return err
}

// Relay lets the client act as the log operator sink.
func (c *Client) Relay(ctx context.Context, text string) error { return c.NotifyOperator(ctx, text) }

func (c *Client) refreshSelf(ctx context.Context) error {
	data, err := c.call(ctx, "get_login_info", nil)
	if err != nil {
		return err
	}
	if id := data.Get("user_id").String(); id != "" {
		c.mu.Lock()
		c.selfID = id
		c.mu.Unlock()
	}
	return nil
}

// idParam sends numeric ids as numbers, which most implementations require.
func idParam(id string) any {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// receipt maps the data of a send action to a Receipt. Known shapes are
// {"message_id": n} and {"msg_ids": [{"message_id": n}, ...]}.
func receipt(data gjson.Result) transport.Receipt {
	if id := data.Get("message_id"); id.Exists() {
		return transport.Receipt{MessageID: scalar(id)}
	}
	var r transport.Receipt
	for _, key := range []string{"msg_ids", "ids"} {
		for _, e := range data.Get(key).Array() {
			if e.IsObject() {
				r.IDs = append(r.IDs, map[string]any{"message_id": scalar(e.Get("message_id"))})
				continue
			}
			r.IDs = append(r.IDs, scalar(e))
		}
		if len(r.IDs) > 0 {
			return r
		}
	}
	if data.Type == gjson.Number {
		r.MessageID = scalar(data)
	}
	return r
}

func scalar(v gjson.Result) any {
	switch v.Type {
	case gjson.Number:
		return json.Number(v.Raw)
	case gjson.String:
		return v.Str
	}
	return nil
}
