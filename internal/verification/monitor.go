package verification

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"taskwarden/internal/types"
)

// StageEntry is what the principle monitors see on every stage entry.
type StageEntry struct {
	Check  types.CheckKind
	Stage  int
	Round  int
	Output string
}

// Monitor observes stage entries and reports principle violations. Monitors
// may carry side effects (logging, counters); the loop never interprets
// their content, it only latches a positive signal.
type Monitor interface {
	Name() string
	Inspect(entry StageEntry) bool
}

type monitorFunc struct {
	name string
	fn   func(StageEntry) bool
}

func (m monitorFunc) Name() string { return m.name }

func (m monitorFunc) Inspect(entry StageEntry) bool { return m.fn(entry) }

// MonitorFunc adapts a plain function into a Monitor.
func MonitorFunc(name string, fn func(StageEntry) bool) Monitor {
	return monitorFunc{name: name, fn: fn}
}

// KeywordMonitor flags stage entries whose output snapshot contains any of
// the configured patterns, case-insensitively. It keeps a hit counter as its
// observable side effect.
type KeywordMonitor struct {
	mu       sync.Mutex
	name     string
	patterns []string
	logger   *zap.Logger
	hits     int
}

// NewKeywordMonitor builds a monitor over the given violation patterns.
func NewKeywordMonitor(name string, patterns []string, logger *zap.Logger) *KeywordMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &KeywordMonitor{name: name, patterns: lowered, logger: logger}
}

// NewCollaborationMonitor builds the collaboration-principle monitor.
func NewCollaborationMonitor(patterns []string, logger *zap.Logger) *KeywordMonitor {
	return NewKeywordMonitor("collaboration_principles", patterns, logger)
}

// NewBehaviorMonitor builds the agent-behavior-principle monitor.
func NewBehaviorMonitor(patterns []string, logger *zap.Logger) *KeywordMonitor {
	return NewKeywordMonitor("agent_behavior_principles", patterns, logger)
}

func (k *KeywordMonitor) Name() string { return k.name }

func (k *KeywordMonitor) Inspect(entry StageEntry) bool {
	output := strings.ToLower(entry.Output)
	for _, p := range k.patterns {
		if strings.Contains(output, p) {
			k.mu.Lock()
			k.hits++
			k.mu.Unlock()
			k.logger.Warn("principle pattern matched",
				zap.String("monitor", k.name),
				zap.String("pattern", p),
				zap.String("stage", string(entry.Check)),
				zap.Int("round", entry.Round))
			return true
		}
	}
	return false
}

// Hits returns how many stage entries matched so far.
func (k *KeywordMonitor) Hits() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hits
}
