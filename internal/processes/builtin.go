package processes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3liz/qjazz-sub000/internal/models"
)

var allJobControls = []models.JobControlOption{
	models.SyncExecute,
	models.AsyncExecute,
	models.DismissOp,
}

// RegisterBuiltins installs the reference processes shipped with the
// generic worker.
func RegisterBuiltins(r *Registry) {
	r.Register(echoProcess())
	r.Register(sleepProcess())
}

func echoProcess() *Process {
	return &Process{
		Description: models.ProcessDescription{
			ProcessSummary: models.ProcessSummary{
				ID:                "echo",
				Title:             "Echo",
				Description:       "Return the input message",
				Version:           "1.0.0",
				Keywords:          []string{"test"},
				JobControlOptions: allJobControls,
			},
			Inputs: map[string]models.InputDescription{
				"msg": {
					Title:     "Message",
					Schema:    json.RawMessage(`{"type":"string"}`),
					MinOccurs: 1,
					MaxOccurs: 1,
				},
			},
			Outputs: map[string]models.OutputDescription{
				"output": {
					Title:  "Echoed message",
					Schema: json.RawMessage(`{"type":"string"}`),
				},
			},
		},
		Run: runEcho,
	}
}

func runEcho(ctx context.Context, req *ExecuteRequest, job *JobContext) (models.JobResults, error) {
	var message string
	ok, err := req.Input("msg", &message)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, InputErrorf("missing required input 'msg'")
	}
	job.Message("echoing message")
	job.Progress(100)
	out, _ := json.Marshal(message)
	return models.JobResults{"output": out}, nil
}

func sleepProcess() *Process {
	return &Process{
		Description: models.ProcessDescription{
			ProcessSummary: models.ProcessSummary{
				ID:                "sleep",
				Title:             "Sleep",
				Description:       "Sleep for the requested duration, reporting progress",
				Version:           "1.0.0",
				Keywords:          []string{"test"},
				JobControlOptions: allJobControls,
			},
			Inputs: map[string]models.InputDescription{
				"duration": {
					Title:     "Duration in seconds",
					Schema:    json.RawMessage(`{"type":"number","minimum":0}`),
					MinOccurs: 0,
					MaxOccurs: 1,
				},
			},
			Outputs: map[string]models.OutputDescription{
				"elapsed": {
					Title:  "Slept duration in seconds",
					Schema: json.RawMessage(`{"type":"number"}`),
				},
			},
		},
		Run: runSleep,
	}
}

const sleepSteps = 10

func runSleep(ctx context.Context, req *ExecuteRequest, job *JobContext) (models.JobResults, error) {
	duration := 5.0
	if _, err := req.Input("duration", &duration); err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, InputErrorf("input 'duration' must not be negative")
	}

	started := time.Now()
	step := time.Duration(duration/sleepSteps*1000) * time.Millisecond
	for i := 1; i <= sleepSteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		job.Progress(float64(i) / sleepSteps * 100)
	}
	job.Message("done sleeping")

	// Record the wall time actually spent for inspection.
	elapsed := time.Since(started).Seconds()
	if job.Workdir != "" {
		report := fmt.Sprintf("slept %.3fs\n", elapsed)
		if err := os.WriteFile(filepath.Join(job.Workdir, "sleep.txt"), []byte(report), 0o644); err == nil {
			job.PublishFile("sleep.txt")
		}
	}
	out, _ := json.Marshal(elapsed)
	return models.JobResults{"elapsed": out}, nil
}
