// api/schemas/memory.go
package schemas

import (
	"time"
)

// -- Persistent Memory Entities --

// Site is the root memory entity for one origin host. Sites are created on
// first visit and never deleted automatically.
type Site struct {
	ID             string    `json:"id"`
	Host           string    `json:"host"` // natural key, see NormalizeHost
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	PagesSeen      int       `json:"pages_seen"`
	TasksSucceeded int       `json:"tasks_succeeded"`
}

// StoredElement is the persisted form of an observed element, keyed by its
// durable signature rather than any per-load tag id.
type StoredElement struct {
	Signature  string      `json:"signature"`
	Role       ElementRole `json:"role"`
	Label      string      `json:"label"`
	SeenCount  int         `json:"seen_count"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// Page is the persisted record of one observed page structure. Fingerprint
// is the natural key; a page belongs to exactly one site.
type Page struct {
	Fingerprint    string          `json:"fingerprint"`
	SiteID         string          `json:"site_id"`
	URL            string          `json:"url"`
	NormalizedPath string          `json:"normalized_path"`
	Title          string          `json:"title"`
	Kind           PageKind        `json:"kind"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	NavTargets     []string        `json:"nav_targets,omitempty"`
	Elements       []StoredElement `json:"elements,omitempty"`
}

// PathStep is one recorded action inside a TaskPath. Element-targeting steps
// carry the durable signature; the transient tag id is resolved fresh at
// replay time and never stored.
type PathStep struct {
	Index     int    `json:"index"`
	Action    Action `json:"action"`
	Signature string `json:"signature,omitempty"`
}

// TaskPath is a recorded, reusable action sequence that solved a specific
// natural-language task starting from a specific entry page. The natural key
// is (SiteID, Task, EntryFingerprint).
type TaskPath struct {
	ID               string     `json:"id"`
	SiteID           string     `json:"site_id"`
	Task             string     `json:"task"`
	EntryFingerprint string     `json:"entry_fingerprint"`
	Steps            []PathStep `json:"steps"`
	Successes        int        `json:"successes"`
	Failures         int        `json:"failures"`
	FailStreak       int        `json:"fail_streak"` // consecutive verification failures
	Stale            bool       `json:"stale"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
}

// SuccessRate is the historical fraction of successful uses, 0 when unused.
func (p *TaskPath) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// PathOutcome drives counter updates when a path is recorded or reinforced.
type PathOutcome string

const (
	// PathOutcomeSuccess: first recording, or a replay that completed with
	// every step verified. Resets the failure streak and clears staleness.
	PathOutcomeSuccess PathOutcome = "success"
	// PathOutcomeDiverged: a replay attempt hit a verification failure.
	// Increments the failure streak; reaching the configured limit marks
	// the path stale. Steps passed alongside overwrite the stored sequence
	// (self-heal) when the task still succeeded via planner fallback.
	PathOutcomeDiverged PathOutcome = "diverged"
)

// -- Audit Records --

// StepSource distinguishes how an executed action was decided.
type StepSource string

const (
	StepSourceReplay  StepSource = "replay"
	StepSourcePlanned StepSource = "planned"
	StepSourceExplore StepSource = "explore"
)

// RunOutcome is the terminal classification of one agent run.
type RunOutcome string

const (
	RunOutcomeSuccess  RunOutcome = "success"
	RunOutcomeFailed   RunOutcome = "failed"
	RunOutcomeCanceled RunOutcome = "canceled"
)

// Run is the audit header for one task execution or exploration.
type Run struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"site_id"`
	Task       string     `json:"task"`
	StartURL   string     `json:"start_url"`
	Outcome    RunOutcome `json:"outcome"`
	Steps      int        `json:"steps"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// StepRecord is one audit row per executed action.
type StepRecord struct {
	RunID       string     `json:"run_id"`
	Index       int        `json:"index"`
	ActionText  string     `json:"action_text"`
	Source      StepSource `json:"source"`
	Status      ExecStatus `json:"status"`
	Fingerprint string     `json:"fingerprint"`
	At          time.Time  `json:"at"`
}

// MemoryStats is the aggregate count dump behind the memory command.
type MemoryStats struct {
	Sites      int `json:"sites"`
	Pages      int `json:"pages"`
	Elements   int `json:"elements"`
	TaskPaths  int `json:"task_paths"`
	StalePaths int `json:"stale_paths"`
	Runs       int `json:"runs"`
}
