// Package telegram delivers broadcasts through the Telegram Bot API.
//
// A target's GroupID is the chat id and ChannelID, when set, the forum topic
// (message thread) id. Telegram has no multi-author bundle, so forward
// content is rendered as framed text.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted server, tests).
	APIURL string
	// Poll enables long polling so chats the bot is added to become targets.
	Poll        bool
	PollTimeout time.Duration
	// RatePerSec bounds outgoing API calls.
	RatePerSec int
	// Chats are always offered as targets.
	Chats          []transport.Target
	OperatorChatID int64
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	tc      *transcode.Transcoder

	runMu sync.Mutex
	sup   *supervisor.Supervisor

	dirMu      sync.Mutex
	discovered map[string]transport.Target
}

var (
	_ transport.Transport = (*Adapter)(nil)
	_ transport.Directory = (*Adapter)(nil)
	_ transport.Operator  = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: timeout + 10*time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:        cfg,
		log:        log.With(logx.String("transport", "telegram")),
		bot:        b,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		discovered: map[string]transport.Target{},
	}
	a.tc = transcode.New(nil, a.log)
	if b.Me != nil && b.Me.FirstName != "" {
		a.tc.SelfName = b.Me.FirstName
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Transcoder is the encoder used for rendering. Telegram cannot fetch
// stored bundles, so references without inline nodes stay placeholders.
func (a *Adapter) Transcoder() *transcode.Transcoder { return a.tc }

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		if ch := c.Chat(); ch != nil {
			a.remember(ch)
		}
		return nil
	})
	a.bot.Handle(tele.OnMigration, func(c tele.Context) error {
		from, to := c.Migration()
		a.dirMu.Lock()
		if t, ok := a.discovered[strconv.FormatInt(from, 10)]; ok {
			delete(a.discovered, t.GroupID)
			t.GroupID = strconv.FormatInt(to, 10)
			a.discovered[t.GroupID] = t
		}
		a.dirMu.Unlock()
		return nil
	})
}

func (a *Adapter) remember(ch *tele.Chat) {
	if ch.Type == tele.ChatPrivate {
		return
	}
	t := transport.Target{GroupID: strconv.FormatInt(ch.ID, 10), Name: ch.Title}
	a.dirMu.Lock()
	a.discovered[t.GroupID] = t
	a.dirMu.Unlock()
	a.log.Info("chat discovered", logx.String("chat", t.String()))
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))
	if !a.cfg.Poll {
		return nil
	}
	sup := a.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithRestartOnCleanExit(true),
	)
	return nil
}

// Stop never blocks shutdown for long on a pending getUpdates long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// ListCandidateTargets returns the configured chats followed by the chats
// discovered while polling.
func (a *Adapter) ListCandidateTargets(context.Context) ([]transport.Target, error) {
	out := make([]transport.Target, 0, len(a.cfg.Chats))
	seen := map[string]bool{}
	for _, t := range a.cfg.Chats {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}

	a.dirMu.Lock()
	extra := make([]transport.Target, 0, len(a.discovered))
	for _, t := range a.discovered {
		if !seen[t.Key()] {
			extra = append(extra, t)
		}
	}
	a.dirMu.Unlock()
	sort.Slice(extra, func(i, j int) bool { return extra[i].GroupID < extra[j].GroupID })
	return append(out, extra...), nil
}

func chatOf(t transport.Target) (*tele.Chat, int, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(t.GroupID), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram chat id %q: %w", t.GroupID, err)
	}
	thread := 0
	if t.ChannelID != "" {
		if thread, err = strconv.Atoi(strings.TrimSpace(t.ChannelID)); err != nil {
			return nil, 0, fmt.Errorf("telegram thread id %q: %w", t.ChannelID, err)
		}
	}
	return &tele.Chat{ID: id}, thread, nil
}
