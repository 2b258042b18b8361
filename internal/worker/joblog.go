package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// processLogName is the per-job log file served by the job_log command.
// It lives in the job workdir and is excluded from artifact listings.
const processLogName = "processing.log"

// jobLog appends timestamped lines to the per-job processing log. All
// methods are nil-safe so a failed open degrades to silence.
type jobLog struct {
	mu sync.Mutex
	f  *os.File
}

func openJobLog(workdir string) (*jobLog, error) {
	f, err := os.OpenFile(filepath.Join(workdir, processLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", processLogName, err)
	}
	return &jobLog{f: f}, nil
}

func (l *jobLog) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, time.Now().UTC().Format("2006-01-02 15:04:05 ")+format+"\n", args...)
}

func (l *jobLog) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.f.Close()
}

// tailLines returns the last n lines of a file. A missing file yields an
// empty log, not an error.
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
