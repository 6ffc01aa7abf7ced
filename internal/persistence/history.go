package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/evoprompt/evoprompt/internal/genome"
)

// HistoryLog stores one append-only JSONL file per optimize run. Every
// Append writes a complete line and syncs, so a crash mid-run leaves
// all previously appended records readable.
type HistoryLog struct {
	dir string
	mu  sync.Mutex
}

// NewHistoryLog creates the log directory if needed.
func NewHistoryLog(dir string) (*HistoryLog, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &HistoryLog{dir: dir}, nil
}

func (h *HistoryLog) path(runID string) string {
	return filepath.Join(h.dir, runID+".jsonl")
}

// Append adds one generation record to the run's log.
func (h *HistoryLog) Append(runID string, record genome.GenerationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return f.Sync()
}

// Read returns the run's records in append order. Unparseable lines
// (a torn final write) are skipped rather than failing the read.
func (h *HistoryLog) Read(runID string) ([]genome.GenerationRecord, error) {
	f, err := os.Open(h.path(runID))
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var records []genome.GenerationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record genome.GenerationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

// ReadLast returns the most recent record of a run.
func (h *HistoryLog) ReadLast(runID string) (genome.GenerationRecord, error) {
	records, err := h.Read(runID)
	if err != nil {
		return genome.GenerationRecord{}, err
	}
	if len(records) == 0 {
		return genome.GenerationRecord{}, fmt.Errorf("run %s has no records", runID)
	}
	return records[len(records)-1], nil
}

// Runs lists run ids that have a history file, sorted by name.
func (h *HistoryLog) Runs() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, fmt.Errorf("list history dir: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			runs = append(runs, name[:len(name)-len(".jsonl")])
		}
	}
	return runs, nil
}
