package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cumulus/app/pkg/types"
)

// RunLog appends every trace entry an executor emits to a day-partitioned
// JSONL file, so runs stay inspectable after their stream is gone.
type RunLog struct {
	basePath string
	mu       sync.Mutex
}

func NewRunLog(basePath string) (*RunLog, error) {
	path := strings.TrimSpace(basePath)
	if path == "" {
		return nil, fmt.Errorf("run log base path is required")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &RunLog{basePath: path}, nil
}

func (r *RunLog) Record(entry types.TraceEntry) error {
	if r == nil {
		return nil
	}
	ts := time.Now().UTC()
	if strings.TrimSpace(entry.Timestamp) == "" {
		entry.Timestamp = ts.Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(entry.Status) == "" {
		entry.Status = "ok"
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	dayDir := filepath.Join(r.basePath, ts.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dayDir, "agent_runs.jsonl")

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(payload, '\n'))
	return err
}
