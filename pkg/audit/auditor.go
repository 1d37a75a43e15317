package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mew-protocol/mew/pkg/config"
	"github.com/mew-protocol/mew/pkg/logger"
)

const (
	// HistoryFileName is the envelope lifecycle log file name.
	HistoryFileName = "envelope-history.jsonl"
	// DecisionsFileName is the capability decision log file name.
	DecisionsFileName = "capability-decisions.jsonl"

	// DefaultMaxFileSize is the rotation threshold for each log file.
	DefaultMaxFileSize = 50 * 1024 * 1024

	recordQueueSize = 256
)

type record struct {
	history bool
	line    []byte
}

// Auditor appends audit records for one space. Writes go through a dedicated
// goroutine so the router never blocks on file I/O. A nil Auditor is a valid
// no-op receiver.
type Auditor struct {
	history   *jsonlWriter
	decisions *jsonlWriter

	records chan record
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// New creates an auditor writing under dir, honoring the process-level
// logging switches. It returns nil (a no-op auditor) when gateway logging is
// disabled entirely.
func New(dir string, maxFileSize int64) (*Auditor, error) {
	if !config.GatewayLoggingEnabled() {
		return nil, nil
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	a := &Auditor{
		records: make(chan record, recordQueueSize),
	}

	if config.EnvelopeHistoryEnabled() {
		w, err := newJSONLWriter(filepath.Join(dir, HistoryFileName), maxFileSize)
		if err != nil {
			return nil, err
		}
		a.history = w
	}
	if config.CapabilityDecisionsEnabled() {
		w, err := newJSONLWriter(filepath.Join(dir, DecisionsFileName), maxFileSize)
		if err != nil {
			return nil, err
		}
		a.decisions = w
	}

	a.wg.Add(1)
	go a.writeLoop()
	return a, nil
}

// RecordEnvelope appends an envelope lifecycle record. Records are dropped
// with a warning if the writer falls behind.
func (a *Auditor) RecordEnvelope(rec EnvelopeRecord) {
	if a == nil || a.history == nil {
		return
	}
	rec.Event = orDefault(rec.Event, EventReceived)
	a.enqueue(true, rec)
}

// RecordDecision appends a capability check record.
func (a *Auditor) RecordDecision(rec DecisionRecord) {
	if a == nil || a.decisions == nil {
		return
	}
	rec.Event = EventCapabilityCheck
	a.enqueue(false, rec)
}

// Close drains pending records and closes the log files.
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		close(a.records)
	})
	a.wg.Wait()

	var err error
	if a.history != nil {
		err = a.history.Close()
	}
	if a.decisions != nil {
		if cerr := a.decisions.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (a *Auditor) enqueue(history bool, rec any) {
	line, err := json.Marshal(rec)
	if err != nil {
		logger.Warnw("failed to marshal audit record", "error", err)
		return
	}
	select {
	case a.records <- record{history: history, line: line}:
	default:
		logger.Warn("audit writer backlogged, dropping record")
	}
}

func (a *Auditor) writeLoop() {
	defer a.wg.Done()
	for rec := range a.records {
		w := a.decisions
		if rec.history {
			w = a.history
		}
		if w == nil {
			continue
		}
		if err := w.WriteLine(rec.line); err != nil {
			logger.Errorw("failed to write audit record", "error", err)
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
