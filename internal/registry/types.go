// Package registry maintains the authoritative record of every child
// process the daemon has spawned. Records are keyed by (PID, creation time)
// so a reused PID never aliases an older child, and every lifecycle change
// lands in an append-only audit trail.
package registry

import "time"

// Status is the lifecycle phase of a registered child.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusOrphaned Status = "orphaned"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is a terminal phase.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusOrphaned || s == StatusFailed
}

// AuditKind classifies an audit trail entry.
type AuditKind string

const (
	AuditCreated    AuditKind = "created"
	AuditTerminated AuditKind = "terminated"
	AuditOrphaned   AuditKind = "orphaned"
	AuditReused     AuditKind = "reused"
	AuditCollision  AuditKind = "collision"
	AuditValidated  AuditKind = "validated"
	AuditCleanup    AuditKind = "cleanup"
)

// ResourceMetrics is a rolling sample of a child's resource usage.
type ResourceMetrics struct {
	CPUPercent      float64   `json:"cpu_percent"`
	RSSBytes        uint64    `json:"rss_bytes"`
	NumFDs          int32     `json:"num_fds"`
	NumThreads      int32     `json:"num_threads"`
	CtxSwitchesVol  int64     `json:"ctx_switches_voluntary"`
	CtxSwitchesInv  int64     `json:"ctx_switches_involuntary"`
	DiskReadBytes   uint64    `json:"disk_read_bytes"`
	DiskWriteBytes  uint64    `json:"disk_write_bytes"`
	NumConnections  int       `json:"num_connections"`
	NumChildren     int       `json:"num_children"`
	SampledAt       time.Time `json:"sampled_at"`
}

// Record is a registered child process.
type Record struct {
	ID           string          `json:"id" db:"id"`
	PID          int32           `json:"pid" db:"pid"`
	ParentPID    int32           `json:"parent_pid" db:"parent_pid"`
	Kind         string          `json:"kind" db:"kind"`
	SessionID    string          `json:"session_id,omitempty" db:"session_id"`
	CreateTime   time.Time       `json:"create_time" db:"create_time"`
	CommandLine  string          `json:"command_line" db:"command_line"`
	Executable   string          `json:"executable" db:"executable"`
	Status       Status          `json:"status" db:"status"`
	StatusReason string          `json:"status_reason,omitempty" db:"status_reason"`
	RegisteredAt time.Time       `json:"registered_at" db:"registered_at"`
	LastSeenAt   time.Time       `json:"last_seen_at" db:"last_seen_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Metrics      ResourceMetrics `json:"metrics" db:"-"`
}

// AuditEvent is one append-only entry in the registry's audit trail.
type AuditEvent struct {
	ID        int64          `json:"id"`
	PID       int32          `json:"pid"`
	Kind      AuditKind      `json:"kind"`
	RecordID  string         `json:"record_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ValidationCategory groups related validation checks.
type ValidationCategory string

const (
	CategoryIntegrity ValidationCategory = "integrity"
	CategoryResource  ValidationCategory = "resource"
	CategorySecurity  ValidationCategory = "security"
	CategoryLifecycle ValidationCategory = "lifecycle"
)

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Category ValidationCategory `json:"category"`
	Name     string             `json:"name"`
	Passed   bool               `json:"passed"`
	Warning  bool               `json:"warning"`
	Detail   string             `json:"detail,omitempty"`
}

// ValidationResult is the overall outcome of validating one record.
// A failed check in any category fails the whole result; warnings do not.
type ValidationResult struct {
	RecordID  string        `json:"record_id"`
	PID       int32         `json:"pid"`
	Passed    bool          `json:"passed"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Warnings returns the checks that passed with a warning.
func (r *ValidationResult) Warnings() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Warning {
			out = append(out, c)
		}
	}
	return out
}

// Failures returns the checks that failed outright.
func (r *ValidationResult) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Filter narrows a list query. Zero values match everything.
type Filter struct {
	Status    Status
	Kind      string
	SessionID string
	PID       int32
	LiveOnly  bool
}
