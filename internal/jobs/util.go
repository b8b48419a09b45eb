package jobs

import (
	"encoding/json"
	"time"

	"github.com/kandev/ralph/internal/bus"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// marshalSSE renders one bus.Event as an SSE "data: <json>\n\n" frame
// (spec.md §6 "Wire format: /events SSE").
func marshalSSE(e bus.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}
