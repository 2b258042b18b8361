package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

// feedbackInterval throttles progress writes so a chatty process cannot
// flood the result store.
const feedbackInterval = 250 * time.Millisecond

type progressUpdate struct {
	progress float64 // negative means unchanged
	message  string
}

// feedback coalesces progress reports from a running process into
// throttled UPDATED writes. Progress is clamped non-decreasing. It must
// not be used after stop returns.
type feedback struct {
	store     *resultstore.Store
	jobID     string
	runConfig json.RawMessage
	started   *time.Time
	ttl       time.Duration
	interval  time.Duration
	log       *jobLog
	logger    *zap.Logger
	ctx       context.Context

	mu     sync.Mutex
	closed bool
	ch     chan progressUpdate
	done   chan struct{}

	// writer-goroutine state
	maxProgress int
	lastMessage string
}

func newFeedback(ctx context.Context, store *resultstore.Store, jobID string, runConfig json.RawMessage, started *time.Time, ttl time.Duration, log *jobLog, logger *zap.Logger) *feedback {
	f := &feedback{
		store:     store,
		jobID:     jobID,
		runConfig: runConfig,
		started:   started,
		ttl:       ttl,
		interval:  feedbackInterval,
		log:       log,
		logger:    logger,
		ctx:       ctx,
		ch:        make(chan progressUpdate, 1),
		done:      make(chan struct{}),
	}
	go f.loop()
	return f
}

// Progress implements processes.Feedback.
func (f *feedback) Progress(percent float64) {
	f.push(progressUpdate{progress: percent})
}

// Message implements processes.Feedback.
func (f *feedback) Message(msg string) {
	f.log.Printf("%s", msg)
	f.push(progressUpdate{progress: -1, message: msg})
}

// push replaces any pending update, keeping the highest progress and the
// latest message.
func (f *feedback) push(u progressUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case old := <-f.ch:
		if old.progress > u.progress {
			u.progress = old.progress
		}
		if u.message == "" {
			u.message = old.message
		}
	default:
	}
	f.ch <- u
}

// stop flushes the last pending update and waits for the writer to exit,
// leaving the caller as the only state writer for the job.
func (f *feedback) stop() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	f.mu.Unlock()
	<-f.done
}

func (f *feedback) loop() {
	defer close(f.done)
	var (
		pending *progressUpdate
		last    time.Time
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	flush := func() {
		if pending == nil {
			return
		}
		f.write(*pending)
		pending = nil
		last = time.Now()
	}
	for {
		select {
		case u, ok := <-f.ch:
			if !ok {
				flush()
				return
			}
			if pending == nil {
				pending = &u
			} else {
				if u.progress > pending.progress {
					pending.progress = u.progress
				}
				if u.message != "" {
					pending.message = u.message
				}
			}
			if since := time.Since(last); since >= f.interval {
				if timer != nil {
					timer.Stop()
					timerC = nil
				}
				flush()
			} else if timerC == nil {
				timer = time.NewTimer(f.interval - since)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			flush()
		}
	}
}

func (f *feedback) write(u progressUpdate) {
	if u.progress >= 0 {
		p := int(u.progress)
		if p > 100 {
			p = 100
		}
		if p > f.maxProgress {
			f.maxProgress = p
		}
	}
	if u.message != "" {
		f.lastMessage = u.message
	}
	doc, err := json.Marshal(resultstore.Progress{
		Progress: f.maxProgress,
		Message:  f.lastMessage,
		Updated:  time.Now(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	err = f.store.Set(ctx, &resultstore.TaskMeta{
		TaskID:    f.jobID,
		Status:    resultstore.StateUpdated,
		Result:    doc,
		RunConfig: f.runConfig,
		Started:   f.started,
	}, f.ttl)
	if err != nil {
		f.logger.Debug("progress write failed", zap.String("job_id", f.jobID), zap.Error(err))
	}
}
