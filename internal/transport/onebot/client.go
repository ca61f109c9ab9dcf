package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// ErrClosed is returned by calls made while no connection is up.
var ErrClosed = errors.New("onebot: connection closed")

const (
	defaultReconnect      = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

type Config struct {
	// URL of the implementation's forward websocket, e.g. ws://127.0.0.1:3001.
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
	// OperatorID receives operator notices as private messages.
	OperatorID string
}

type request struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type reply struct {
	body []byte
	err  error
}

// Client implements transport.Transport, ForwardSender, ForwardFetcher,
// Directory and Operator for a OneBot v11 implementation.
type Client struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer
	tc     atomic.Pointer[transcode.Transcoder]

	sup *supervisor.Supervisor

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan reply
	selfID  string

	writeMu sync.Mutex
	seq     atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnect
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With(logx.String("transport", "onebot")),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: map[string]chan reply{},
	}
	c.tc.Store(transcode.New(nil, c.log))
	return c
}

// UseTranscoder replaces the encoder used by SendMessage.
func (c *Client) UseTranscoder(tc *transcode.Transcoder) {
	if tc != nil {
		c.tc.Store(tc)
	}
}

func (c *Client) Name() string { return "onebot" }

// SelfID is the bot account id reported by the implementation, or "".
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Start dials once so configuration errors surface immediately, then hands
// the connection to a supervised read loop that redials on failure.
func (c *Client) Start(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return errors.New("onebot: url is empty")
	}
	c.mu.Lock()
	if c.sup != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(c.log))
	c.mu.Lock()
	c.sup = sup
	c.mu.Unlock()

	sup.GoRestart("onebot.conn", c.serve,
		supervisor.WithRestartOnCleanExit(true),
		supervisor.WithRestartBackoff(c.cfg.ReconnectInterval, max(c.cfg.ReconnectInterval*6, 30*time.Second)),
	)

	if err := c.refreshSelf(ctx); err != nil {
		c.log.Warn("get_login_info failed", logx.Err(err))
	}
	c.log.Info("onebot connected", logx.String("url", c.cfg.URL), logx.String("self_id", c.SelfID()))
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	conn := c.conn
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if conn != nil {
		_ = conn.Close()
	}
	return sup.Wait(ctx)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if tok := strings.TrimSpace(c.cfg.AccessToken); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("onebot: dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("onebot: dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// serve runs one connection until it drops. The connection dialed by Start is
// used first; later runs redial.
func (c *Client) serve(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		var err error
		if conn, err = c.dial(ctx); err != nil {
			return err
		}
		c.setConn(conn)
		c.log.Info("onebot reconnected")
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err := c.readLoop(conn)
	c.drop(conn, err)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(b)
	}
}

func (c *Client) dispatch(b []byte) {
	if !gjson.ValidBytes(b) {
		c.log.Debug("non-json frame ignored", logx.Int("bytes", len(b)))
		return
	}
	root := gjson.ParseBytes(b)
	if echo := root.Get("echo"); echo.Exists() {
		c.mu.Lock()
		ch, ok := c.pending[echo.String()]
		delete(c.pending, echo.String())
		c.mu.Unlock()
		if ok {
			ch <- reply{body: b}
		}
		return
	}
	// events: only the lifecycle/heartbeat self id matters to a sender
	if self := root.Get("self_id"); self.Exists() {
		c.mu.Lock()
		if c.selfID == "" {
			c.selfID = self.String()
		}
		c.mu.Unlock()
	}
}

// drop forgets conn and fails every call waiting on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = map[string]chan reply{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: ErrClosed}
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.log.Warn("onebot connection lost", logx.Err(cause))
	}
}

// call performs one action and returns its data field.
func (c *Client) call(ctx context.Context, action string, params any) (gjson.Result, error) {
	echo := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan reply, 1)
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.pending[echo] = ch
	}
	c.mu.Unlock()
	if conn == nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", action, ErrClosed)
	}
	defer func() {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
	}()

	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(request{Action: action, Params: params, Echo: echo})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: encode: %w", action, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: write: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	var r reply
	select {
	case <-ctx.Done():
		return gjson.Result{}, fmt.Errorf("%s: %w", action, ctx.Err())
	case r = <-ch:
	}
	if r.err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", action, r.err)
	}
	return parseReply(action, r.body)
}

func parseReply(action string, body []byte) (gjson.Result, error) {
	root := gjson.ParseBytes(body)
	retcode := int(root.Get("retcode").Int())
	status := strings.ToLower(root.Get("status").String())
	if retcode != 0 || status == "failed" {
		wording := ""
		for _, k := range []string{"wording", "message", "msg"} {
			if v := strings.TrimSpace(root.Get(k).String()); v != "" {
				wording = v
				break
			}
		}
		return gjson.Result{}, &transport.ActionError{Action: action, Retcode: retcode, Wording: wording}
	}
	return root.Get("data"), nil
}
