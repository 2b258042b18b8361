package executor

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

func newTestExecutor(t *testing.T) (*Executor, *broker.Client, *resultstore.Store, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	b := broker.NewWithClient(rdb(), zap.NewNop())
	store := resultstore.NewWithClient(rdb(), zap.NewNop())
	reg := registry.NewWithClient(rdb(), zap.NewNop())
	e := New(b, store, reg, Options{
		PresenceTimeout: 300 * time.Millisecond,
		CallTimeout:     2 * time.Second,
		LockTimeout:     2 * time.Second,
	}, zap.NewNop())
	return e, b, store, reg
}

// stubWorker answers control-plane commands the way a worker daemon does,
// with scripted state.
type stubWorker struct {
	client   *broker.Client
	service  string
	identity string

	mu            sync.Mutex
	states        map[string]broker.TaskState
	revoked       []string
	describeCalls int
	describeErr   string
}

func startStubWorker(t *testing.T, client *broker.Client, service, identity string) *stubWorker {
	t.Helper()
	w := &stubWorker{
		client:   client,
		service:  service,
		identity: identity,
		states:   make(map[string]broker.TaskState),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := client.SubscribeControl(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = sub.Close()
	})

	go func() {
		for {
			req, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			w.handle(ctx, req)
		}
	}()
	return w
}

func (w *stubWorker) setState(jobID string, state broker.TaskState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[jobID] = state
}

func (w *stubWorker) revokedJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.revoked)
}

func (w *stubWorker) describeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.describeCalls
}

func (w *stubWorker) setDescribeErr(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.describeErr = msg
}

func (w *stubWorker) reply(ctx context.Context, req *broker.Request, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = w.client.SendReply(ctx, req.ReplyTo, broker.Reply{
		Destination: w.identity,
		Ok:          true,
		Body:        raw,
	})
}

func (w *stubWorker) replyError(ctx context.Context, req *broker.Request, msg string) {
	_ = w.client.SendReply(ctx, req.ReplyTo, broker.Reply{
		Destination: w.identity,
		Ok:          false,
		Error:       msg,
	})
}

func (w *stubWorker) handle(ctx context.Context, req *broker.Request) {
	if req.Service != "" && req.Service != w.service {
		return
	}
	if len(req.Destinations) > 0 && !slices.Contains(req.Destinations, w.identity) {
		return
	}

	switch req.Command {
	case broker.CommandPresence:
		w.reply(ctx, req, models.ServicePresence{
			Service:       w.service,
			Title:         "Stub service",
			OnlineSince:   1700000000,
			ResultExpires: 3600,
			Entrypoint:    "qjazz." + w.service,
		})

	case broker.CommandQueryTask:
		var args broker.QueryTaskArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.mu.Lock()
		state, ok := w.states[args.JobID]
		w.mu.Unlock()
		if !ok {
			state = broker.TaskAbsent
		}
		w.reply(ctx, req, broker.QueryTaskReply{State: state})

	case broker.CommandRevoke:
		var args broker.RevokeArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.mu.Lock()
		w.revoked = append(w.revoked, args.JobID)
		w.mu.Unlock()
		w.reply(ctx, req, struct{}{})

	case broker.CommandListProcesses:
		w.reply(ctx, req, []models.ProcessSummary{
			{ID: "echo", Title: "Echo", Version: "1.0"},
			{ID: "sleep", Title: "Sleep", Version: "1.0"},
		})

	case broker.CommandDescribeProcess:
		var args broker.DescribeArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.mu.Lock()
		w.describeCalls++
		failWith := w.describeErr
		w.mu.Unlock()
		if failWith != "" {
			w.replyError(ctx, req, failWith)
			return
		}
		w.reply(ctx, req, models.ProcessDescription{
			ProcessSummary: models.ProcessSummary{ID: args.Ident, Version: "1.0"},
		})

	case broker.CommandJobLog:
		var args broker.JobLogArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.reply(ctx, req, models.JobLog{
			JobID:     args.JobID,
			Timestamp: time.Now(),
			Log:       []string{"line 1", "line 2"},
		})

	case broker.CommandJobFiles:
		var args broker.JobFilesArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.reply(ctx, req, models.JobFiles{
			Links: []models.Link{{
				Href:  args.PublicURL + "/jobs/" + args.JobID + "/files/out.tif",
				Title: "out.tif",
			}},
		})

	case broker.CommandDownloadURL:
		var args broker.DownloadURLArgs
		if err := req.DecodeArgs(&args); err != nil {
			return
		}
		w.reply(ctx, req, broker.DownloadURLReply{
			URL: "file:///data/" + args.JobID + "/" + args.Resource,
		})

	case broker.CommandPing:
		w.reply(ctx, req, struct{}{})
	}
}

func discover(t *testing.T, e *Executor, want int) {
	t.Helper()
	n, err := e.UpdateServices(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, n)
}

func TestUpdateServices(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	startStubWorker(t, b, "demo", "demo@host2")
	startStubWorker(t, b, "other", "other@host1")

	discover(t, e, 2)

	assert.True(t, e.KnownService("demo"))
	assert.True(t, e.KnownService("other"))
	assert.False(t, e.KnownService("nope"))

	services := e.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "demo", services[0].Service)
	assert.Equal(t, "other", services[1].Service)
	assert.True(t, services[0].Available)
	assert.Equal(t, int64(3600), services[0].ResultExpires)

	entry, err := e.service("demo")
	require.NoError(t, err)
	assert.Len(t, entry.Destinations, 2)
}

func TestExecuteRegistersAndQueues(t *testing.T) {
	e, b, _, reg := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{
		Service:   "demo",
		Ident:     "echo",
		Request:   models.JobExecute{Inputs: map[string]json.RawMessage{"text": json.RawMessage(`"hi"`)}},
		Realm:     "realm-12345",
		Tag:       "batch-1",
		PublicURL: "http://gateway.local",
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, "demo", job.Service)
	assert.Equal(t, "realm-12345", job.Realm)

	rec, err := reg.FindJob(ctx, job.ID, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "echo", rec.ProcessID)
	assert.Equal(t, "batch-1", rec.Tag)
	assert.Equal(t, int64(600), rec.PendingTimeout)
	// The result expiration comes from the service presence.
	assert.Equal(t, int64(3600), rec.Expires)

	msg, err := b.Consume(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, job.ID, msg.ID)
	assert.Equal(t, broker.TaskProcessExecute, msg.Task)
	require.NotNil(t, msg.Expires)

	var kwargs broker.ProcessExecuteKwargs
	require.NoError(t, json.Unmarshal(msg.Kwargs, &kwargs))
	assert.Equal(t, "demo", kwargs.Meta.Service)
	assert.Equal(t, "echo", kwargs.Meta.ProcessID)
	assert.Equal(t, "realm-12345", kwargs.Meta.Realm)
	assert.Equal(t, "http://gateway.local", kwargs.Context.PublicURL)
	assert.Equal(t, "echo", kwargs.RunConfig.Ident)
	assert.JSONEq(t, `"hi"`, string(kwargs.RunConfig.Request.Inputs["text"]))
}

func TestExecuteCountdown(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{
		Service:   "demo",
		Ident:     "echo",
		Countdown: time.Hour,
	})
	require.NoError(t, err)

	scheduled, err := b.Scheduled(ctx, "demo", job.ID)
	require.NoError(t, err)
	assert.True(t, scheduled)
}

func TestExecuteServiceNotAvailable(t *testing.T) {
	e, _, _, _ := newTestExecutor(t)

	_, err := e.Execute(context.Background(), ExecuteOptions{Service: "demo", Ident: "echo"})
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}

func TestJobStatusLifecycle(t *testing.T) {
	e, b, store, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo", Tag: "batch-1"})
	require.NoError(t, err)

	t.Run("pending before any worker state", func(t *testing.T) {
		st, err := e.JobStatus(ctx, job.ID, "", false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, st.Status)
		assert.Equal(t, "process", st.Type)
		assert.Equal(t, "echo", st.ProcessID)
		assert.Equal(t, "batch-1", st.Tag)
	})

	started := time.Now().Truncate(time.Second)

	t.Run("running", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID:  job.ID,
			Status:  resultstore.StateStarted,
			Started: &started,
		}, time.Hour))

		st, err := e.JobStatus(ctx, job.ID, "", false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, st.Status)
		require.NotNil(t, st.Started)
	})

	t.Run("progress report", func(t *testing.T) {
		progress, _ := json.Marshal(resultstore.Progress{
			Progress: 42,
			Message:  "halfway",
			Updated:  time.Now(),
		})
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID:  job.ID,
			Status:  resultstore.StateUpdated,
			Started: &started,
			Result:  progress,
		}, time.Hour))

		st, err := e.JobStatus(ctx, job.ID, "", false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, st.Status)
		require.NotNil(t, st.Progress)
		assert.Equal(t, 42, *st.Progress)
		assert.Equal(t, "halfway", st.Message)
		require.NotNil(t, st.Updated)
	})

	t.Run("successful", func(t *testing.T) {
		done := time.Now().Truncate(time.Second)
		result, _ := json.Marshal(map[string]string{"out": "done"})
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID:    job.ID,
			Status:    resultstore.StateSuccess,
			Started:   &started,
			DateDone:  &done,
			Result:    result,
			RunConfig: json.RawMessage(`{"ident":"echo"}`),
		}, time.Hour))

		st, err := e.JobStatus(ctx, job.ID, "", false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccessful, st.Status)
		require.NotNil(t, st.Progress)
		assert.Equal(t, 100, *st.Progress)
		assert.Nil(t, st.RunConfig)

		st, err = e.JobStatus(ctx, job.ID, "", true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ident":"echo"}`, string(st.RunConfig))
		require.NotNil(t, st.ExpiresAt)
		assert.Equal(t, done.Add(3600*time.Second).Unix(), st.ExpiresAt.Unix())
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := e.JobStatus(ctx, "no-such-job", "", false)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("realm mismatch", func(t *testing.T) {
		_, err := e.JobStatus(ctx, job.ID, "other-realm", false)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobStatusFromWorkerView(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	w := startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()

	tests := []struct {
		state broker.TaskState
		want  models.Status
	}{
		{broker.TaskActive, models.StatusRunning},
		{broker.TaskReserved, models.StatusAccepted},
		{broker.TaskScheduled, models.StatusAccepted},
		{broker.TaskRevoked, models.StatusDismissed},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo"})
			require.NoError(t, err)
			w.setState(job.ID, tt.state)

			st, err := e.JobStatus(ctx, job.ID, "", false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestJobStatusPendingWindow(t *testing.T) {
	e, _, _, reg := newTestExecutor(t)
	ctx := context.Background()

	// Inside the window the job reads as pending even with no worker
	// holding it.
	require.NoError(t, reg.Register(ctx, &registry.Record{
		JobID:          "job-fresh",
		Created:        time.Now(),
		Service:        "demo",
		ProcessID:      "echo",
		PendingTimeout: 600,
		Expires:        3600,
	}))
	st, err := e.JobStatus(ctx, "job-fresh", "", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, st.Status)

	// Past the window the task is gone from the queue; the record alone
	// does not make a job.
	require.NoError(t, reg.Register(ctx, &registry.Record{
		JobID:          "job-stale",
		Created:        time.Now().Add(-2 * time.Hour),
		Service:        "demo",
		ProcessID:      "echo",
		PendingTimeout: 600,
		Expires:        86400,
	}))
	_, err = e.JobStatus(ctx, "job-stale", "", false)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWaitResults(t *testing.T) {
	e, b, store, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo"})
	require.NoError(t, err)

	t.Run("timeout leaves the job running", func(t *testing.T) {
		_, err := e.WaitResults(ctx, job.ID, 200*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returns results on success", func(t *testing.T) {
		result, _ := json.Marshal(map[string]string{"out": "done"})
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID: job.ID,
			Status: resultstore.StateSuccess,
			Result: result,
		}, time.Hour))

		results, err := e.WaitResults(ctx, job.ID, time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `"done"`, string(results["out"]))
	})
}

func TestJobResults(t *testing.T) {
	e, _, store, reg := newTestExecutor(t)
	ctx := context.Background()

	register := func(jobID string) {
		require.NoError(t, reg.Register(ctx, &registry.Record{
			JobID:          jobID,
			Created:        time.Now(),
			Service:        "demo",
			ProcessID:      "echo",
			PendingTimeout: 600,
			Expires:        3600,
		}))
	}

	t.Run("not ready before terminal state", func(t *testing.T) {
		register("job-1")
		_, err := e.JobResults(ctx, "job-1", "")
		assert.ErrorIs(t, err, ErrResultsNotReady)
	})

	t.Run("success", func(t *testing.T) {
		register("job-2")
		result, _ := json.Marshal(map[string]any{"buffered": map[string]string{"href": "x"}})
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID: "job-2",
			Status: resultstore.StateSuccess,
			Result: result,
		}, time.Hour))

		results, err := e.JobResults(ctx, "job-2", "")
		require.NoError(t, err)
		assert.Contains(t, results, "buffered")
	})

	t.Run("failure carries the classified exception", func(t *testing.T) {
		register("job-3")
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID:     "job-3",
			Status:     resultstore.StateFailure,
			ExcType:    resultstore.MarkerInputValue,
			ExcMessage: "missing input 'text'",
		}, time.Hour))

		_, err := e.JobResults(ctx, "job-3", "")
		var failure *JobFailure
		require.ErrorAs(t, err, &failure)
		assert.False(t, failure.Dismissed)
		assert.Equal(t, "missing input 'text'", failure.Exception.Detail)
		assert.Equal(t, 400, failure.Exception.Status)
	})

	t.Run("revoked task reads as dismissed", func(t *testing.T) {
		register("job-4")
		require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
			TaskID: "job-4",
			Status: resultstore.StateRevoked,
		}, time.Hour))

		_, err := e.JobResults(ctx, "job-4", "")
		var failure *JobFailure
		require.ErrorAs(t, err, &failure)
		assert.True(t, failure.Dismissed)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := e.JobResults(ctx, "no-such-job", "")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobsPagination(t *testing.T) {
	e, _, _, reg := newTestExecutor(t)
	ctx := context.Background()

	for _, rec := range []struct{ id, service, realm string }{
		{"job-1", "demo", "realm-aaaaaa"},
		{"job-2", "demo", "realm-aaaaaa"},
		{"job-3", "demo", "realm-bbbbbb"},
		{"job-4", "other", "realm-aaaaaa"},
		{"job-5", "other", ""},
	} {
		require.NoError(t, reg.Register(ctx, &registry.Record{
			JobID:          rec.id,
			Created:        time.Now(),
			Service:        rec.service,
			Realm:          rec.realm,
			ProcessID:      "echo",
			PendingTimeout: 600,
			Expires:        3600,
		}))
	}

	t.Run("all jobs", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "", 0, 100)
		require.NoError(t, err)
		assert.Len(t, jobs, 5)
	})

	t.Run("limit", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "", 0, 3)
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})

	t.Run("cursor offset", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "", 3, 3)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("cursor beyond the end", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "", 10, 3)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("service filter", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "demo", "", 0, 100)
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})

	t.Run("realm filter", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "realm-aaaaaa", 0, 100)
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})

	t.Run("zero limit", func(t *testing.T) {
		jobs, err := e.Jobs(ctx, "", "", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestDismissRunningJob(t *testing.T) {
	e, b, store, reg := newTestExecutor(t)
	w := startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo"})
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, store.Set(ctx, &resultstore.TaskMeta{
		TaskID:  job.ID,
		Status:  resultstore.StateStarted,
		Started: &started,
	}, time.Hour))

	st, err := e.Dismiss(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDismissed, st.Status)
	require.NotNil(t, st.Finished)

	// The worker received the revoke and the record is gone.
	assert.Contains(t, w.revokedJobs(), job.ID)
	exists, err := reg.Exists(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDismissQueuedJob(t *testing.T) {
	e, b, _, reg := newTestExecutor(t)
	w := startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo"})
	require.NoError(t, err)

	// Still queued: no revoke needed, the record removal is enough.
	st, err := e.Dismiss(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDismissed, st.Status)
	assert.Empty(t, w.revokedJobs())

	exists, err := reg.Exists(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDismissErrors(t *testing.T) {
	e, _, _, reg := newTestExecutor(t)
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		_, err := e.Dismiss(ctx, "no-such-job", "")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("already dismissed", func(t *testing.T) {
		require.NoError(t, reg.Register(ctx, &registry.Record{
			JobID:          "job-1",
			Created:        time.Now(),
			Service:        "demo",
			ProcessID:      "echo",
			PendingTimeout: 600,
			Expires:        3600,
		}))
		require.NoError(t, reg.Dismiss(ctx, "job-1", false))

		_, err := e.Dismiss(ctx, "job-1", "")
		assert.ErrorIs(t, err, ErrAlreadyDismissed)
	})
}

func TestProcessesAndDescribe(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	w := startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()

	procs, err := e.Processes(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "echo", procs[0].ID)

	desc, err := e.Describe(ctx, "demo", "echo", "")
	require.NoError(t, err)
	assert.Equal(t, "echo", desc.ID)
	require.Equal(t, 1, w.describeCount())

	// A second lookup is served from the cache.
	_, err = e.Describe(ctx, "demo", "echo", "")
	require.NoError(t, err)
	assert.Equal(t, 1, w.describeCount())

	// A different project is a different cache entry.
	_, err = e.Describe(ctx, "demo", "echo", "/france/places")
	require.NoError(t, err)
	assert.Equal(t, 2, w.describeCount())

	_, err = e.Processes(ctx, "nope")
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}

func TestDescribeRemoteError(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	w := startStubWorker(t, b, "demo", "demo@host1")
	w.setDescribeErr("ProcessNotFound: no process 'nope'")
	discover(t, e, 1)

	_, err := e.Describe(context.Background(), "demo", "nope", "")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestInspectCommands(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	discover(t, e, 1)

	ctx := context.Background()
	job, err := e.Execute(ctx, ExecuteOptions{Service: "demo", Ident: "echo"})
	require.NoError(t, err)

	t.Run("log details", func(t *testing.T) {
		log, err := e.LogDetails(ctx, job.ID, "", 5)
		require.NoError(t, err)
		assert.Equal(t, job.ID, log.JobID)
		assert.Equal(t, []string{"line 1", "line 2"}, log.Log)
	})

	t.Run("files", func(t *testing.T) {
		files, err := e.Files(ctx, job.ID, "", "http://gateway.local")
		require.NoError(t, err)
		require.Len(t, files.Links, 1)
		assert.Equal(t, "http://gateway.local/jobs/"+job.ID+"/files/out.tif", files.Links[0].Href)
	})

	t.Run("download url", func(t *testing.T) {
		url, err := e.DownloadURL(ctx, job.ID, "", "out.tif", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "file:///data/"+job.ID+"/out.tif", url)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := e.LogDetails(ctx, "no-such-job", "", 0)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestControlBroadcast(t *testing.T) {
	e, b, _, _ := newTestExecutor(t)
	startStubWorker(t, b, "demo", "demo@host1")
	startStubWorker(t, b, "demo", "demo@host2")
	discover(t, e, 1)

	replies, err := e.Control(context.Background(), "demo", broker.CommandPing, nil)
	require.NoError(t, err)
	assert.Len(t, replies, 2)

	_, err = e.Control(context.Background(), "nope", broker.CommandPing, nil)
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}
