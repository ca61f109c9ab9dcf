package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Config struct {
	Enabled bool

	// PaceMin and PaceMax bound the uniformly random pause after each send.
	PaceMin time.Duration
	PaceMax time.Duration
	// RecallDelay separates delete calls during a recall.
	RecallDelay time.Duration

	QueueSize int
	StatusTTL time.Duration
	StatusMax int
}

const (
	DefaultPaceMin     = time.Second
	DefaultPaceMax     = 3 * time.Second
	DefaultRecallDelay = 200 * time.Millisecond
)

// Deps are the collaborators the service drives. Store and Bus are optional.
type Deps struct {
	Transport  transport.Transport
	Directory  transport.Directory
	Flags      targets.Flags
	Transcoder *transcode.Transcoder
	Store      storage.Store
	Bus        eventbus.Bus
	Log        logx.Logger
}

// Result counts the outcome of one distribution.
// Success+Errors+Skipped always equals the number of targets given.
type Result struct {
	Success int `json:"success"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

func (r Result) Total() int { return r.Success + r.Errors + r.Skipped }

// RecallResult counts the outcome of a recall. Benign "already gone" deletes
// are in neither count.
type RecallResult struct {
	Generation string `json:"generation,omitempty"`
	Records    int    `json:"records"`
	Success    int    `json:"success"`
	Failed     int    `json:"failed"`
}

// Summary counts per target. A broadcast that a transport split into several
// messages (long Telegram text) counts once, and only its first part is
// deleted.
func (r RecallResult) Summary() string {
	if r.Records == 0 {
		return "nothing to recall: no broadcast recorded"
	}
	return fmt.Sprintf("recall finished: deleted %d, failed %d of %d recorded", r.Success, r.Failed, r.Records)
}

// Noop tells why a broadcast did nothing.
type Noop string

const (
	NoopNone             Noop = ""
	NoopEmptyMessage     Noop = "empty_message"
	NoopNoTargets        Noop = "no_targets"
	NoopNoEnabledTargets Noop = "no_enabled_targets"
)

// Report is the outcome of Broadcast.
type Report struct {
	JobID      string        `json:"job_id"`
	Generation string        `json:"generation,omitempty"`
	Noop       Noop          `json:"noop,omitempty"`
	Targets    int           `json:"targets"`
	Enabled    int           `json:"enabled"`
	Result     Result        `json:"result"`
	Took       time.Duration `json:"took"`
}

func (r Report) Summary() string {
	switch r.Noop {
	case NoopEmptyMessage:
		return "nothing to broadcast: message is empty"
	case NoopNoTargets:
		return "nothing to broadcast: no target groups found"
	case NoopNoEnabledTargets:
		return fmt.Sprintf("nothing to broadcast: none of %d target groups has broadcasts enabled", r.Targets)
	}
	return fmt.Sprintf("broadcast finished: success %d, failed %d, skipped %d (enabled %d of %d targets)",
		r.Result.Success, r.Result.Errors, r.Result.Skipped, r.Enabled, r.Targets)
}

// Task is one broadcast request. Targets overrides the directory when set;
// Exclude drops the originating target.
type Task struct {
	ID          string
	Name        string
	Content     transcode.Content
	Targets     []transport.Target
	Exclude     *transport.Target
	ScheduledAt time.Time
}

type JobStatus struct {
	ID         string
	Name       string
	Generation string
	Noop       Noop
	Total      int
	Success    int
	Failed     int
	Skipped    int
	Err        string
	CreatedAt  time.Time
	StartedAt  time.Time
	DoneAt     time.Time
	Running    bool
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	ledger ledger

	// pause and jitter are swapped in tests.
	pause  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration

	queue  chan Task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when the worker exits.
	stopDone  chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusTTL time.Duration
	statusMax int
}
