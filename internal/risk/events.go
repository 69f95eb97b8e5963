package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/quantfold/engine/internal/observ"
)

// EventSink receives risk transitions as they happen.
type EventSink interface {
	Emit(Event)
}

// LogSink writes transitions to the structured log only.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	observ.Log("risk_event", map[string]any{
		"id":     ev.ID,
		"from":   string(ev.From),
		"to":     string(ev.To),
		"reason": ev.Reason,
		"metric": ev.Metric,
	})
}

// JSONLSink appends one JSON object per transition to a file, giving an
// auditable trail that survives the process.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

func (s *JSONLSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.Warn("risk_event_persist_failed", map[string]any{"error": err.Error()})
		return
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		observ.Warn("risk_event_persist_failed", map[string]any{"error": err.Error()})
		return
	}
	fmt.Fprintln(f, string(data))
}
