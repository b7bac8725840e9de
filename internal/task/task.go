// Package task defines the tagged-variant task type shared by every stage
// of the pipeline, along with the plan entries the dependency analyzer
// consumes and the events the router moves between stages.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Type is the kind of work a Task represents.
type Type string

const (
	TypeDev    Type = "dev"
	TypeFix    Type = "fix"
	TypeQA     Type = "qa"
	TypeDeploy Type = "deploy"
)

// Priority is 1-5 where lower numbers run first. FixPriority pins fix
// tasks to the most urgent band regardless of file-role classification.
const (
	MinPriority  = 1
	MaxPriority  = 5
	FixPriority  = MinPriority
	DefaultRetry = 3
)

// Task is the unit of work moved through queues and worker pools. Payload is
// an opaque bag interpreted only by the injected agent callables, never by
// the pipeline itself.
type Task struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	FilePath   string         `json:"file_path,omitempty"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	Seq        uint64         `json:"seq"`
}

// Clamp keeps Priority inside [MinPriority, MaxPriority].
func (t *Task) Clamp() {
	if t.Priority < MinPriority {
		t.Priority = MinPriority
	}
	if t.Priority > MaxPriority {
		t.Priority = MaxPriority
	}
}

// CacheKey derives a stable, field-order-independent key for the
// result cache from the task's type and payload.
func (t *Task) CacheKey() string {
	canon := canonicalize(t.Payload)
	data, _ := json.Marshal(struct {
		Type    Type `json:"type"`
		Payload any  `json:"payload"`
	}{Type: t.Type, Payload: canon})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites a decoded JSON value so map keys are in sorted
// order when re-marshaled, making the hash independent of field order.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// PlanEntry is one sub-task as produced by the planning component.
type PlanEntry struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	TargetFile   string   `json:"target_file"`
	DependsOn    []string `json:"depends_on"`
	LanguageHint string   `json:"language_hint"`
}

// Plan is the ordered list of sub-tasks submitted by the planner.
type Plan struct {
	ID      string      `json:"id"`
	Entries []PlanEntry `json:"entries"`
}

// EventType enumerates stage-transition events routed between queues.
type EventType string

const (
	EventFileCompleted EventType = "FILE_COMPLETED"
	EventFileFailed    EventType = "FILE_FAILED"
	EventQAPassed      EventType = "QA_PASSED"
	EventQAFailed      EventType = "QA_FAILED"
	EventDeployOK      EventType = "DEPLOY_OK"
	EventDeployFail    EventType = "DEPLOY_FAIL"
	EventEscalate      EventType = "ESCALATE"
)

// Event carries a stage transition through the router.
type Event struct {
	Type          EventType      `json:"type"`
	TaskID        string         `json:"task_id"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	DeliveryRetry int            `json:"delivery_retry"`
}
