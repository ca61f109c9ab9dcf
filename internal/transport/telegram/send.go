package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"pewcast/internal/message"
	"pewcast/internal/transport"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

const captionLimit = 1024

// part is one Telegram API send: either text or a single media item with an
// optional caption.
type part struct {
	text  string
	media tele.Sendable
}

// SendMessage renders msg and sends it as few Telegram messages as possible.
// The receipt carries the first message id as MessageID and every part in
// IDs. Recall deletes only the first part, so later parts of a long render
// stay in the chat.
func (a *Adapter) SendMessage(ctx context.Context, to transport.Target, msg message.Message) (transport.Receipt, error) {
	chat, thread, err := chatOf(to)
	if err != nil {
		return transport.Receipt{}, err
	}
	parts, err := render(a.tc.Encode(msg, 0))
	if err != nil {
		return transport.Receipt{}, err
	}
	if len(parts) == 0 {
		return transport.Receipt{}, errors.New("telegram: message rendered to nothing")
	}

	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: thread}
	var ids []any
	for _, p := range parts {
		var what any = p.media
		if p.media == nil {
			what = p.text
		}
		m, err := a.send(ctx, chat, what, opts)
		if err != nil {
			if len(ids) > 0 {
				a.log.Warn("message partially delivered", logx.String("chat", to.Key()), logx.Int("parts", len(ids)), logx.Err(err))
				break
			}
			return transport.Receipt{}, err
		}
		ids = append(ids, m.ID)
	}
	if len(ids) > 1 {
		a.log.Debug("message split into several parts; only the first is recallable",
			logx.String("chat", to.Key()), logx.Int("parts", len(ids)))
	}
	return transport.Receipt{MessageID: ids[0], IDs: ids}, nil
}

func (a *Adapter) send(ctx context.Context, chat *tele.Chat, what any, opts *tele.SendOptions) (*tele.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.bot.Send(chat, what, opts)
}

// DeleteMessage maps Telegram's "already gone" replies to ErrMessageGone.
func (a *Adapter) DeleteMessage(ctx context.Context, to transport.Target, messageID int64) error {
	chat, _, err := chatOf(to)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err = a.bot.Delete(&tele.StoredMessage{MessageID: strconv.FormatInt(messageID, 10), ChatID: chat.ID})
	if err == nil {
		return nil
	}
	if isGone(err) {
		return fmt.Errorf("%w: %v", transport.ErrMessageGone, err)
	}
	return err
}

func isGone(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to delete not found") ||
		strings.Contains(s, "message can't be deleted")
}

func (a *Adapter) NotifyOperator(ctx context.Context, text string) error {
	if a.cfg.OperatorChatID == 0 {
		return fmt.Errorf("operator notice: no operator chat: %w", transport.ErrUnsupported)
	}
	chat := &tele.Chat{ID: a.cfg.OperatorChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit, "") {
		if _, err := a.send(ctx, chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// Relay lets the adapter act as the log operator sink.
func (a *Adapter) Relay(ctx context.Context, text string) error { return a.NotifyOperator(ctx, text) }

// render groups wire segments into sends. Text and mentions accumulate as
// HTML; each media item flushes the pending text, which becomes its caption
// when short enough.
func render(segs []wire.Segment) ([]part, error) {
	var (
		out []part
		buf strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(buf.String()) == "" {
			buf.Reset()
			return
		}
		for _, chunk := range splitTelegramText(buf.String(), telegramTextLimit, "HTML") {
			out = append(out, part{text: chunk})
		}
		buf.Reset()
	}

	for _, s := range segs {
		switch s.Type {
		case wire.TypeText:
			buf.WriteString(html.EscapeString(s.TextOf()))
		case wire.TypeAt:
			buf.WriteString(mention(s))
		case wire.TypeImage, wire.TypeVideo:
			file, err := fileOf(s)
			if err != nil {
				return nil, err
			}
			caption := ""
			if pending := buf.String(); strings.TrimSpace(pending) != "" && len([]rune(pending)) <= captionLimit {
				caption = pending
				buf.Reset()
			} else {
				flush()
			}
			if s.Type == wire.TypeImage {
				out = append(out, part{media: &tele.Photo{File: file, Caption: caption}})
			} else {
				out = append(out, part{media: &tele.Video{File: file, Caption: caption}})
			}
		}
	}
	flush()
	return out, nil
}

func mention(s wire.Segment) string {
	qq, _ := s.Data["qq"].(string)
	if qq == "" || qq == wire.AtAll {
		return "@all"
	}
	if _, err := strconv.ParseInt(qq, 10, 64); err == nil {
		return fmt.Sprintf(`<a href="tg://user?id=%s">%s</a>`, qq, qq)
	}
	return "@" + html.EscapeString(strings.TrimPrefix(qq, "@"))
}

func fileOf(s wire.Segment) (tele.File, error) {
	f, _ := s.Data["file"].(string)
	switch {
	case strings.HasPrefix(f, wire.Base64Prefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(f, wire.Base64Prefix))
		if err != nil {
			return tele.File{}, fmt.Errorf("telegram: %s payload: %w", s.Type, err)
		}
		return tele.FromReader(bytes.NewReader(raw)), nil
	case strings.HasPrefix(f, wire.FilePrefix):
		return tele.FromDisk("/" + strings.TrimPrefix(f, wire.FilePrefix)), nil
	case strings.HasPrefix(f, "http://"), strings.HasPrefix(f, "https://"):
		return tele.FromURL(f), nil
	case f != "":
		return tele.FromDisk(f), nil
	}
	return tele.File{}, fmt.Errorf("telegram: %s segment without file", s.Type)
}
