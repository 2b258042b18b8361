package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/processes"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
	"github.com/3liz/qjazz-sub000/internal/storage"
)

// defaultLogTail is the number of log lines served when the caller does
// not say how many it wants.
const defaultLogTail = 50

// handleRequest serves one control or inspect command. Commands addressed
// to another service or destination are ignored without a reply.
func (w *Worker) handleRequest(ctx context.Context, req *broker.Request) {
	if req.Service != "" && req.Service != w.service {
		return
	}
	if len(req.Destinations) > 0 && !slices.Contains(req.Destinations, w.identity) {
		return
	}

	var (
		body any
		rerr error
	)
	switch req.Command {
	case broker.CommandPresence:
		body = w.presence()

	case broker.CommandPing:
		body = "pong"

	case broker.CommandListProcesses:
		body, rerr = w.catalog.List(ctx)

	case broker.CommandDescribeProcess:
		var args broker.DescribeArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		desc, err := w.catalog.Describe(ctx, args.Ident, args.ProjectPath)
		if err != nil {
			rerr = remoteError(err, args.Ident)
			break
		}
		body = desc

	case broker.CommandJobLog:
		var args broker.JobLogArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		count := args.Count
		if count <= 0 {
			count = defaultLogTail
		}
		lines, err := tailLines(filepath.Join(w.cfg.Worker.Workdir, args.JobID, processLogName), count)
		if err != nil {
			rerr = err
			break
		}
		if lines == nil {
			lines = []string{}
		}
		body = models.JobLog{JobID: args.JobID, Timestamp: time.Now().UTC(), Log: lines}

	case broker.CommandJobFiles:
		var args broker.JobFilesArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		links := w.fileLinks(ctx, args.JobID, args.PublicURL)
		if links == nil {
			links = []models.Link{}
		}
		body = models.JobFiles{Links: links}

	case broker.CommandDownloadURL:
		var args broker.DownloadURLArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		expires := time.Duration(args.Expiration) * time.Second
		if expires <= 0 {
			expires = w.cfg.Storage.DownloadExpires
		}
		url, err := w.storage.DownloadURL(ctx, args.JobID, args.Resource, expires)
		switch {
		case errors.Is(err, storage.ErrFileNotFound):
			rerr = fmt.Errorf("%s: %s", broker.ReplyFileNotFound, args.Resource)
		case err != nil:
			rerr = err
		default:
			body = broker.DownloadURLReply{URL: url}
		}

	case broker.CommandQueryTask:
		var args broker.QueryTaskArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		state := w.tasks.state(args.JobID)
		if state == broker.TaskAbsent {
			if scheduled, err := w.broker.Scheduled(ctx, w.service, args.JobID); err == nil && scheduled {
				state = broker.TaskScheduled
			}
		}
		body = broker.QueryTaskReply{State: state}

	case broker.CommandRevoke:
		var args broker.RevokeArgs
		if rerr = req.DecodeArgs(&args); rerr != nil {
			break
		}
		w.tasks.revoke(args.JobID)
		w.logger.Info("task revoked", zap.String("job_id", args.JobID), zap.Bool("terminate", args.Terminate))
		body = "ok"

	case broker.CommandCleanup:
		go w.Cleanup(context.WithoutCancel(ctx))
		body = "ok"

	case broker.CommandReloadCache:
		if rerr = w.catalog.Update(ctx); rerr != nil {
			break
		}
		w.logger.Info("processes cache reloaded")
		w.restartPool(ctx)
		body = "ok"

	case broker.CommandRestartPool:
		w.restartPool(ctx)
		body = "ok"

	case broker.CommandShutdown:
		w.logger.Info("shutdown command received")
		w.reply(ctx, req, broker.Reply{Destination: w.identity, Ok: true})
		w.stop()
		return

	default:
		rerr = fmt.Errorf("unknown command %q", req.Command)
	}

	rep := broker.Reply{Destination: w.identity}
	if rerr != nil {
		rep.Error = rerr.Error()
	} else {
		rep.Ok = true
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				rep.Ok = false
				rep.Error = fmt.Sprintf("encoding %s reply: %s", req.Command, err)
			} else {
				rep.Body = raw
			}
		}
	}
	w.reply(ctx, req, rep)
}

func (w *Worker) reply(ctx context.Context, req *broker.Request, rep broker.Reply) {
	if req.ReplyTo == "" {
		return
	}
	if err := w.broker.SendReply(ctx, req.ReplyTo, rep); err != nil {
		w.logger.Warn("sending reply failed",
			zap.String("command", req.Command),
			zap.Error(err))
	}
}

// remoteError formats catalogue errors with their marker so the executor
// maps them back onto its own taxonomy.
func remoteError(err error, ident string) error {
	var projectErr *processes.ProjectRequiredError
	switch {
	case errors.Is(err, processes.ErrProcessNotFound):
		return fmt.Errorf("%s: no process named %q", resultstore.MarkerProcessNotFound, ident)
	case errors.As(err, &projectErr):
		return fmt.Errorf("%s: %s", resultstore.MarkerProjectRequired, projectErr.Error())
	}
	return err
}
