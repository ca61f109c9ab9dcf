package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	"pewcast/internal/message"
	"pewcast/internal/services/broadcast"
	"pewcast/internal/storage"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type fakeTransport struct {
	mu      sync.Mutex
	groups  []transport.Target
	sent    []string
	deleted []int64
	notices []string
	nextID  int64
	// noticeErrs fails that many NotifyOperator calls first
	noticeErrs int
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, to transport.Target, _ message.Message) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, to.Key())
	return transport.Receipt{MessageID: f.nextID}, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ transport.Target, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) ListCandidateTargets(context.Context) ([]transport.Target, error) {
	return f.groups, nil
}

func (f *fakeTransport) NotifyOperator(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noticeErrs > 0 {
		f.noticeErrs--
		return errors.New("operator chat unreachable")
	}
	f.notices = append(f.notices, text)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Transport.OneBot.WSURL = "ws://127.0.0.1:1"
	cfg.Broadcast.PaceMin = "1ms"
	cfg.Broadcast.PaceMax = "1ms"
	cfg.Broadcast.RecallDelay = "1ms"
	cfg.Normalize()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, withStore bool) (*App, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{groups: []transport.Target{{GroupID: "G1"}, {GroupID: "G2"}, {GroupID: "G3"}}}
	var store storage.Store
	if withStore {
		st, err := storage.Open(context.Background(), storage.Config{
			Driver: "file",
			Path:   filepath.Join(t.TempDir(), "pewcast.db"),
		}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		store = st
	}
	a, err := assemble(cfg, tr, nil, store, logx.Nop())
	require.NoError(t, err)
	return a, tr
}

func TestBroadcastHonorsStaticAndStoredBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Targets.Blocked = []string{"G1"}
	a, tr := newTestApp(t, cfg, true)

	require.NoError(t, a.SetBlocked(ctx, "G3", true))
	require.Error(t, a.SetBlocked(ctx, "G1", false), "config blocks cannot be lifted at runtime")

	keys, err := a.BlockedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G3"}, keys)

	states, err := a.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.True(t, states[0].Blocked)
	assert.True(t, states[0].Static)
	assert.False(t, states[1].Blocked)
	assert.True(t, states[2].Blocked)
	assert.False(t, states[2].Static)

	rep, err := a.Broadcast().Broadcast(ctx, broadcast.Task{Content: transcode.FromText("hello")})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Targets)
	assert.Equal(t, 1, rep.Enabled)
	assert.Equal(t, 1, rep.Result.Success)
	assert.Equal(t, []string{"G2"}, tr.sent)

	res := a.Broadcast().RecallLast(ctx)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, []int64{1}, tr.deleted)
}

func TestSetBlockedNeedsStorage(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(), false)
	err := a.SetBlocked(context.Background(), "G1", true)
	require.ErrorIs(t, err, storage.ErrDisabled)

	require.Error(t, a.SetBlocked(context.Background(), ":1", true))
}

func TestNotifyEventSendsSummaries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, tr := newTestApp(t, testConfig(), false)

	rep := broadcast.Report{Targets: 3, Enabled: 2, Result: broadcast.Result{Success: 2}}
	a.notifyEvent(ctx, eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: rep})
	assert.Empty(t, tr.notices, "notices are off by default")

	a.notifyOps.Store(true)
	a.notifyEvent(ctx, eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: rep})
	a.notifyEvent(ctx, eventbus.Event{Type: eventbus.TypeRecallFinished, Data: broadcast.RecallResult{}})
	a.notifyEvent(ctx, eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: []string{"logging"}})
	require.Len(t, tr.notices, 2)
	assert.Equal(t, rep.Summary(), tr.notices[0])
	assert.Contains(t, tr.notices[1], "nothing to recall")
}

func TestNotifyEventRetries(t *testing.T) {
	t.Parallel()
	a, tr := newTestApp(t, testConfig(), false)
	a.notifyOps.Store(true)
	tr.noticeErrs = 1

	a.notifyEvent(context.Background(), eventbus.Event{Data: broadcast.RecallResult{Records: 2, Success: 2}})
	require.Len(t, tr.notices, 1)
	assert.Equal(t, 0, tr.noticeErrs)

	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(operatorRetryBase)*0.7))
		assert.LessOrEqual(t, d, time.Duration(float64(operatorRetryMax)*1.3))
	}
}

func TestApplyConfigSwapsBlockListAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oldCfg := testConfig()
	a, _ := newTestApp(t, oldCfg, false)
	events, unsub := a.bus.Subscribe(4)
	defer unsub()

	assert.False(t, a.isBlocked(ctx, transport.Target{GroupID: "G2"}))

	newCfg := testConfig()
	newCfg.Targets.Blocked = []string{"G2"}
	newCfg.Broadcast.NotifyOperator = true
	a.applyConfig(ctx, oldCfg, newCfg)

	assert.True(t, a.isBlocked(ctx, transport.Target{GroupID: "G2"}))
	assert.True(t, a.notifyOps.Load())
	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeConfigReloaded, e.Type)
		assert.Equal(t, []string{"broadcast", "targets"}, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no config event published")
	}
}

func TestValidateRejectsUnusableReload(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(), false)

	good := testConfig()
	good.Schedules = []config.ScheduleConfig{{Name: "m", Spec: "09:30", Text: "hi"}}
	require.NoError(t, a.validate(context.Background(), good))

	bad := testConfig()
	bad.Schedules = []config.ScheduleConfig{{Name: "m", Spec: "whenever", Text: "hi"}}
	require.Error(t, a.validate(context.Background(), bad))

	badChat := testConfig()
	badChat.Transport.Kind = config.TransportTelegram
	badChat.Transport.Telegram.Chats = []config.ChatConfig{{ID: "@channel"}}
	require.Error(t, a.validate(context.Background(), badChat))
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{name: "disabled", in: config.StorageConfig{}},
		{name: "none", in: config.StorageConfig{Driver: "none"}},
		{name: "file", in: config.StorageConfig{Driver: "file", Path: "x.db"}, enabled: true},
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}, enabled: true},
		{name: "sqlite no path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "redis", in: config.StorageConfig{Driver: "redis", URL: "redis://localhost:6379/0"}, enabled: true},
		{name: "redis no url", in: config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "bad busy", in: config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			if tc.in.BusyTimeout == "2s" {
				assert.Equal(t, 2*time.Second, sc.BusyTimeout)
			}
		})
	}
}

func TestMapScheduleAndBroadcastConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	assert.False(t, mapScheduleConfig(cfg).Enabled, "no schedules")

	cfg.Schedules = []config.ScheduleConfig{{Name: "m", Spec: "1h", Text: "x", Exclude: " G1 "}}
	cfg.Broadcast.Timezone = "UTC"
	sc := mapScheduleConfig(cfg)
	assert.True(t, sc.Enabled)
	assert.Equal(t, "UTC", sc.Timezone)
	assert.Equal(t, "G1", sc.Defs[0].Exclude)

	off := false
	cfg.Broadcast.Enabled = &off
	assert.False(t, mapScheduleConfig(cfg).Enabled, "broadcasts disabled")

	bc, err := mapBroadcastConfig(cfg)
	require.NoError(t, err)
	assert.False(t, bc.Enabled)
	assert.Equal(t, time.Millisecond, bc.PaceMin)
	assert.Equal(t, 24*time.Hour, bc.StatusTTL)
	assert.Equal(t, 200, bc.StatusMax)
}

func TestMapTelegramConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transport.Telegram.Chats = []config.ChatConfig{{ID: "-1001", Thread: "7", Name: "news"}, {ID: "-1002"}}
	tg, err := mapTelegramConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, tg.PollTimeout)
	require.Len(t, tg.Chats, 2)
	assert.Equal(t, "-1001:7", tg.Chats[0].Key())
	assert.Equal(t, "news", tg.Chats[0].Name)
}
