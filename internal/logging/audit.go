package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names the kind of lifecycle event being recorded.
type AuditEventType string

const (
	// Task lifecycle events
	AuditTaskStarted   AuditEventType = "task_started"
	AuditStageEntered  AuditEventType = "stage_entered"
	AuditTaskCompleted AuditEventType = "task_completed"
	AuditRecoveryExit  AuditEventType = "recovery_exit"

	// Gate events
	AuditGateRejected AuditEventType = "gate_rejected"
	AuditGatePassed   AuditEventType = "gate_passed"

	// Verification events
	AuditCheckPassed AuditEventType = "check_passed"
	AuditCheckFailed AuditEventType = "check_failed"
	AuditLossCut     AuditEventType = "loss_cut"

	// Escalation and recovery events
	AuditEscalation       AuditEventType = "escalation"
	AuditApproachSelected AuditEventType = "approach_selected"
	AuditPatternRecorded  AuditEventType = "pattern_recorded"
)

// AuditEvent is one JSON line in the audit trail.
type AuditEvent struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	EventType AuditEventType `json:"event"`
	TaskID    string         `json:"task,omitempty"`
	AttemptID string         `json:"attempt,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Cause     string         `json:"cause,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AuditLog appends structured events to a JSONL file. A nil AuditLog is a
// valid no-op, so callers can wire it only when a trail is wanted.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAudit opens (creating if needed) the audit trail at path.
func OpenAudit(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLog{file: file}, nil
}

// Log writes one event. Marshal or write failures are dropped silently;
// the audit trail never disturbs the lifecycle it observes.
func (a *AuditLog) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.file.Write(append(data, '\n'))
}

// Close closes the trail. Further Log calls become no-ops.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
