package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/eventbus"
	"pewcast/internal/message"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	"pewcast/internal/wire"
	logx "pewcast/pkg/logx"
)

type fakeTransport struct {
	mu sync.Mutex

	forward  bool
	ids      map[string]any   // target key -> receipt message id
	sendErr  map[string]error // target key -> send error
	delErr   map[int64]error
	sent     []string
	bundles  [][]wire.Node
	deleted  []int64
	messages []message.Message
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) receipt(to transport.Target) (transport.Receipt, error) {
	f.sent = append(f.sent, to.Key())
	if err := f.sendErr[to.Key()]; err != nil {
		return transport.Receipt{}, err
	}
	return transport.Receipt{MessageID: f.ids[to.Key()]}, nil
}

func (f *fakeTransport) SendMessage(_ context.Context, to transport.Target, msg message.Message) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.receipt(to)
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ transport.Target, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.delErr[id]
}

func (f *fakeTransport) SupportsForward(transport.Target) bool { return f.forward }

func (f *fakeTransport) SendForwardBundle(_ context.Context, to transport.Target, nodes []wire.Node) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, nodes)
	return f.receipt(to)
}

type staticDirectory []transport.Target

func (d staticDirectory) ListCandidateTargets(context.Context) ([]transport.Target, error) {
	return append([]transport.Target(nil), d...), nil
}

func blockedKeys(keys ...string) targets.Flags {
	set := map[string]bool{}
	for _, k := range keys {
		set[k] = true
	}
	return targets.FlagsFunc(func(_ context.Context, t transport.Target) bool { return set[t.Key()] })
}

type pauses struct {
	mu sync.Mutex
	d  []time.Duration
}

func (p *pauses) record(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d = append(p.d, d)
	return nil
}

func newTestService(tr *fakeTransport, deps Deps) (*Service, *pauses) {
	deps.Transport = tr
	deps.Log = logx.Nop()
	if deps.Transcoder == nil {
		deps.Transcoder = transcode.New(nil, logx.Nop())
	}
	s := New(Config{Enabled: true}, deps)
	p := &pauses{}
	s.pause = p.record
	return s, p
}

var threeGroups = []transport.Target{{GroupID: "G1"}, {GroupID: "G2"}, {GroupID: "G3"}}

func TestDistributeSkipsBlockedAndRecordsIDs(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{ids: map[string]any{"G2": 10, "G3": "11"}}
	s, p := newTestService(tr, Deps{Flags: blockedKeys("G1")})

	res := s.Distribute(context.Background(), message.FromText("hello"), threeGroups)
	assert.Equal(t, Result{Success: 2, Errors: 0, Skipped: 1}, res)
	assert.Equal(t, []string{"G2", "G3"}, tr.sent)
	assert.Equal(t, []storage.Delivery{{TargetKey: "G2", MessageID: 10}, {TargetKey: "G3", MessageID: 11}}, s.Deliveries().Records)

	// pacing after each attempted send only, within the default window
	require.Len(t, p.d, 2)
	for _, d := range p.d {
		assert.GreaterOrEqual(t, d, DefaultPaceMin)
		assert.LessOrEqual(t, d, DefaultPaceMax)
	}
}

func TestDistributeIsolatesFailures(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{
		ids:     map[string]any{"G2": 10},
		sendErr: map[string]error{"G3": errors.New("timeout")},
	}
	s, p := newTestService(tr, Deps{Flags: blockedKeys("G1")})

	res := s.Distribute(context.Background(), message.FromText("hello"), threeGroups)
	assert.Equal(t, Result{Success: 1, Errors: 1, Skipped: 1}, res)
	assert.Equal(t, 3, res.Total())
	assert.Len(t, p.d, 2)
	assert.Equal(t, []storage.Delivery{{TargetKey: "G2", MessageID: 10}}, s.Deliveries().Records)
}

func TestDistributeCountInvariant(t *testing.T) {
	t.Parallel()
	ts := []transport.Target{
		{GroupID: "A"}, {GroupID: ""}, {GroupID: "B", ChannelID: "1"}, {GroupID: "C"}, {GroupID: "D"}, {GroupID: "E"},
	}
	tr := &fakeTransport{
		ids:     map[string]any{"A": 1, "B:1": nil, "D": 4},
		sendErr: map[string]error{"C": errors.New("x")},
	}
	s, _ := newTestService(tr, Deps{Flags: blockedKeys("E")})
	res := s.Distribute(context.Background(), message.FromText("m"), ts)
	assert.Equal(t, len(ts), res.Total())
	assert.Equal(t, Result{Success: 3, Errors: 1, Skipped: 2}, res)
	// B:1 succeeded without an id: counted but not recallable
	assert.Len(t, s.Deliveries().Records, 2)
}

func TestDistributeClearsPreviousGeneration(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{ids: map[string]any{"G1": 1, "G2": 2}}
	s, _ := newTestService(tr, Deps{})

	s.Distribute(context.Background(), message.FromText("a"), threeGroups[:2])
	first := s.Deliveries()
	require.Len(t, first.Records, 2)

	s.Distribute(context.Background(), message.FromText("b"), threeGroups[2:])
	second := s.Deliveries()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, second.Records, "G3 returned no id")
}

func forwardMessage() message.Message {
	return message.New(message.Forward(
		message.NewNode("1", "Ann", message.FromText("one")),
		message.NewNode("2", "Bob", message.FromText("two")),
	))
}

func TestDistributeNativeForward(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{forward: true, ids: map[string]any{"G1": 5}}
	s, _ := newTestService(tr, Deps{})

	res := s.Distribute(context.Background(), forwardMessage(), threeGroups[:1])
	assert.Equal(t, 1, res.Success)
	require.Len(t, tr.bundles, 1)
	require.Len(t, tr.bundles[0], 2)
	assert.Equal(t, "Ann", tr.bundles[0][0].Data.Nickname)
	assert.Empty(t, tr.messages)
}

func TestDistributeForwardFallback(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{forward: false, ids: map[string]any{"G1": 5}}
	s, _ := newTestService(tr, Deps{})

	res := s.Distribute(context.Background(), forwardMessage(), threeGroups[:1])
	assert.Equal(t, 1, res.Success)
	assert.Empty(t, tr.bundles)
	require.Len(t, tr.messages, 1)
	assert.True(t, tr.messages[0].HasForward())
}

func TestDistributeMixedForwardFlattens(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{forward: true}
	tc := transcode.New(nil, logx.Nop())
	tc.SelfID = "900"
	s, _ := newTestService(tr, Deps{Transcoder: tc})

	msg := message.New(message.Text("look:"), message.Forward(message.NewNode("1", "Ann", message.FromText("one"))))
	s.Distribute(context.Background(), msg, threeGroups[:1])
	require.Len(t, tr.bundles, 1)
	require.Len(t, tr.bundles[0], 1)
	assert.Equal(t, "900", tr.bundles[0][0].Data.UserID)
}

func TestDistributeEmptyBundleCountsErrors(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{forward: true}
	s, p := newTestService(tr, Deps{Flags: blockedKeys("G1")})

	msg := message.New(message.Forward(message.NewNode("1", "x", message.Message{})))
	res := s.Distribute(context.Background(), msg, threeGroups)
	assert.Equal(t, Result{Errors: 2, Skipped: 1}, res)
	assert.Empty(t, tr.sent)
	assert.Empty(t, p.d)
}

func TestRecallLast(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{
		ids:    map[string]any{"G1": 1, "G2": 2, "G3": 3},
		delErr: map[int64]error{2: &transport.ActionError{Action: "delete_msg", Retcode: 100, Wording: "MESSAGE_NOT_FOUND"}, 3: errors.New("boom")},
	}
	s, p := newTestService(tr, Deps{})
	ctx := context.Background()

	res := s.Distribute(ctx, message.FromText("x"), threeGroups)
	require.Equal(t, 3, res.Success)
	p.d = nil

	rr := s.RecallLast(ctx)
	assert.Equal(t, 3, rr.Records)
	assert.Equal(t, 1, rr.Success)
	assert.Equal(t, 1, rr.Failed, "not-found is benign")
	assert.Equal(t, []int64{1, 2, 3}, tr.deleted)
	assert.Equal(t, []time.Duration{DefaultRecallDelay, DefaultRecallDelay}, p.d)
	assert.Empty(t, s.Deliveries().Records)

	again := s.RecallLast(ctx)
	assert.Equal(t, RecallResult{}, again)
	assert.Len(t, tr.deleted, 3)
	assert.Contains(t, again.Summary(), "nothing to recall")
}

func TestRecallIssuesOneDeletePerRecordedSuccess(t *testing.T) {
	t.Parallel()
	for n := 0; n <= 3; n++ {
		ids := map[string]any{}
		for i := 0; i < n; i++ {
			ids[threeGroups[i].Key()] = i + 1
		}
		tr := &fakeTransport{ids: ids}
		s, _ := newTestService(tr, Deps{})
		res := s.Distribute(context.Background(), message.FromText("x"), threeGroups[:n])
		rr := s.RecallLast(context.Background())
		assert.Equal(t, res.Success, len(tr.deleted))
		assert.Equal(t, n, rr.Success)
		assert.Empty(t, s.Deliveries().Records)
	}
}

func TestRecallFromStoredLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	sender := &fakeTransport{ids: map[string]any{"G1": 7, "G2": 8}}
	s1, _ := newTestService(sender, Deps{Store: st})
	s1.Distribute(ctx, message.FromText("x"), threeGroups[:2])

	// a second process recalls what the first one sent
	recaller := &fakeTransport{}
	s2, _ := newTestService(recaller, Deps{Store: st})
	rr := s2.RecallLast(ctx)
	assert.Equal(t, 2, rr.Success)
	assert.Equal(t, []int64{7, 8}, recaller.deleted)

	g, err := st.LoadDeliveries(ctx)
	require.NoError(t, err)
	assert.True(t, g.IsZero())
}

func TestBroadcastNoops(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dir     staticDirectory
		flags   targets.Flags
		content transcode.Content
		exclude *transport.Target
		want    Noop
	}{
		{name: "empty message", dir: threeGroups, content: transcode.FromText("  "), want: NoopEmptyMessage},
		{name: "no targets", dir: nil, content: transcode.FromText("x"), want: NoopNoTargets},
		{name: "only the origin", dir: threeGroups[:1], exclude: &transport.Target{GroupID: "G1"}, content: transcode.FromText("x"), want: NoopNoTargets},
		{name: "all blocked", dir: threeGroups, flags: blockedKeys("G1", "G2", "G3"), content: transcode.FromText("x"), want: NoopNoEnabledTargets},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &fakeTransport{}
			s, _ := newTestService(tr, Deps{Directory: tt.dir, Flags: tt.flags})
			rep, err := s.Broadcast(context.Background(), Task{Content: tt.content, Exclude: tt.exclude})
			require.NoError(t, err)
			assert.Equal(t, tt.want, rep.Noop)
			assert.Empty(t, tr.sent)
			assert.Contains(t, rep.Summary(), "nothing to broadcast")
		})
	}
}

func TestBroadcastReportsAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	tr := &fakeTransport{ids: map[string]any{"G3": 11}}
	s, _ := newTestService(tr, Deps{Directory: staticDirectory(threeGroups), Flags: blockedKeys("G1"), Bus: bus})

	rep, err := s.Broadcast(ctx, Task{Name: "manual", Content: transcode.FromText("hi"), Exclude: &transport.Target{GroupID: "G2"}})
	require.NoError(t, err)
	assert.Equal(t, NoopNone, rep.Noop)
	assert.Equal(t, 2, rep.Targets)
	assert.Equal(t, 1, rep.Enabled)
	assert.Equal(t, Result{Success: 1}, rep.Result)
	assert.NotEmpty(t, rep.Generation)
	assert.Equal(t, "broadcast finished: success 1, failed 0, skipped 0 (enabled 1 of 2 targets)", rep.Summary())

	st, ok := s.Status(rep.JobID)
	require.True(t, ok)
	assert.Equal(t, 1, st.Success)
	assert.False(t, st.Running)
	assert.False(t, st.DoneAt.IsZero())

	e := <-events
	assert.Equal(t, eventbus.TypeBroadcastFinished, e.Type)
	assert.Equal(t, rep.JobID, e.Data.(Report).JobID)
}

func TestSubmitRunsOnWorker(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{ids: map[string]any{"G1": 1}}
	s, _ := newTestService(tr, Deps{Directory: staticDirectory(threeGroups[:1])})

	id := s.Submit(Task{Content: transcode.FromText("x")})
	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Contains(t, st.Err, "not running")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id = s.Submit(Task{Name: "queued", Content: transcode.FromText("x")})
	require.Eventually(t, func() bool {
		st, ok := s.Status(id)
		return ok && !st.DoneAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	st, _ = s.Status(id)
	assert.Equal(t, 1, st.Success)
	assert.Empty(t, st.Err)
}

func TestExtractMessageID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r    transport.Receipt
		want int64
		ok   bool
	}{
		{name: "int", r: transport.Receipt{MessageID: 10}, want: 10, ok: true},
		{name: "float", r: transport.Receipt{MessageID: float64(12)}, want: 12, ok: true},
		{name: "string", r: transport.Receipt{MessageID: " 13 "}, want: 13, ok: true},
		{name: "bad string", r: transport.Receipt{MessageID: "abc"}},
		{name: "ids map", r: transport.Receipt{IDs: []any{map[string]any{"message_id": "14"}, 99}}, want: 14, ok: true},
		{name: "ids int", r: transport.Receipt{IDs: []any{int64(15)}}, want: 15, ok: true},
		{name: "empty", r: transport.Receipt{}},
		{name: "fraction", r: transport.Receipt{MessageID: 1.5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractMessageID(tt.r)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPruneStatus(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(&fakeTransport{}, Deps{})
	s.Apply(Config{StatusMax: 2, StatusTTL: time.Hour})
	now := time.Now()
	s.status["old"] = &JobStatus{ID: "old", DoneAt: now.Add(-2 * time.Hour)}
	s.status["a"] = &JobStatus{ID: "a", DoneAt: now.Add(-3 * time.Minute)}
	s.status["b"] = &JobStatus{ID: "b", DoneAt: now.Add(-2 * time.Minute)}
	s.status["c"] = &JobStatus{ID: "c", DoneAt: now.Add(-1 * time.Minute)}
	s.status["run"] = &JobStatus{ID: "run", Running: true, CreatedAt: now.Add(-5 * time.Hour)}

	s.pruneStatus(now)
	_, ok := s.Status("old")
	assert.False(t, ok)
	_, ok = s.Status("a")
	assert.False(t, ok)
	_, ok = s.Status("b")
	assert.False(t, ok)
	_, ok = s.Status("c")
	assert.True(t, ok)
	_, ok = s.Status("run")
	assert.True(t, ok)
}
