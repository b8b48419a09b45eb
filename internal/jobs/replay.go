package jobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kandev/ralph/internal/bus"
)

// Additional Status values returned only by DeriveRunStatus, never stored on
// a Job (spec.md §4.7 POST /runs/status): "running" if the JSONL file exists
// but has no terminal event yet, "unknown" if no file exists at all.
const (
	RunStatusRunning Status = "running"
	RunStatusUnknown Status = "unknown"
)

func eventsPath(prefix, runID string) string {
	return filepath.Join(prefix, "runs", runID, "events.jsonl")
}

// ReplayEvents reads every persisted event for runID in order. Unparseable
// lines are ignored (spec.md §6 "Wire format: events.jsonl").
func ReplayEvents(prefix, runID string) ([]bus.Event, error) {
	f, err := os.Open(eventsPath(prefix, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: open events.jsonl: %w", err)
	}
	defer f.Close()

	var events []bus.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e bus.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// DeriveRunStatus implements POST /runs/status's per-run derivation: read the
// last parseable line of the run's JSONL file and check whether it is a
// terminal event.
func DeriveRunStatus(prefix, runID string) (Status, error) {
	events, err := ReplayEvents(prefix, runID)
	if err != nil {
		return "", err
	}
	if events == nil {
		if _, statErr := os.Stat(eventsPath(prefix, runID)); os.IsNotExist(statErr) {
			return RunStatusUnknown, nil
		}
	}
	if len(events) == 0 {
		return RunStatusRunning, nil
	}
	last := events[len(events)-1]
	if last.IsTerminal() {
		return statusForTerminal(string(last.Type)), nil
	}
	return RunStatusRunning, nil
}
