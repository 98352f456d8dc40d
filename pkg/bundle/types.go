package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// FormatVersion is written to bundle_metadata.version.
const FormatVersion = "1.0"

// Type says why a bundle was saved.
type Type string

const (
	TypeManual    Type = "manual"
	TypeAutomatic Type = "automatic"
	TypeScheduled Type = "scheduled"
	TypeActor     Type = "actor"
	TypeEmergency Type = "emergency"
	TypeMinimal   Type = "minimal"
)

// Priority orders bundles for operators. It does not affect retention.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Partition is a lifecycle directory of the bundle store.
type Partition string

const (
	PartitionActive     Partition = "active"
	PartitionArchive    Partition = "archive"
	PartitionEmergency  Partition = "emergency"
	PartitionQuarantine Partition = "quarantine"
)

// Partitions lists every partition.
var Partitions = []Partition{PartitionActive, PartitionEmergency, PartitionArchive, PartitionQuarantine}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	switch p {
	case PartitionActive, PartitionArchive, PartitionEmergency, PartitionQuarantine:
		return true
	}
	return false
}

// DefaultPartition returns where a bundle of type t is saved.
func DefaultPartition(t Type) Partition {
	if t == TypeEmergency || t == TypeMinimal {
		return PartitionEmergency
	}
	return PartitionActive
}

var idPattern = regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{8}$`)

// ValidID reports whether id has the form YYYYMMDD_HHMMSS_<8 hex>.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID builds a bundle id from a timestamp and the owning session.
func NewID(t time.Time, sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return t.UTC().Format("20060102_150405") + "_" + hex.EncodeToString(sum[:4])
}

// Metadata is the bundle_metadata section.
type Metadata struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	Type        Type        `json:"type"`
	Version     string      `json:"version"`
	Compression Compression `json:"compression"`
	Priority    Priority    `json:"priority"`
	Retention   string      `json:"retention"`
	Reason      string      `json:"reason,omitempty"`
}

// VCSState describes the working tree the session ran in.
type VCSState struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Dirty  bool   `json:"dirty"`
	Remote string `json:"remote,omitempty"`
}

// SessionState is the session_state section.
type SessionState struct {
	SessionID        string    `json:"session_id"`
	StartTime        time.Time `json:"start_time"`
	DurationSeconds  int64     `json:"duration_seconds"`
	ActiveActor      string    `json:"active_actor,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	WorkloadClass    string    `json:"workload_class,omitempty"`
	VCS              *VCSState `json:"vcs_state,omitempty"`
}

// ContextUsage is the context_usage section.
type ContextUsage struct {
	TokensUsed      int64            `json:"tokens_used"`
	Ceiling         int64            `json:"ceiling"`
	Reclaimed       int64            `json:"reclaimed"`
	Baseline        int64            `json:"baseline"`
	Priming         int64            `json:"priming"`
	Percent         float64          `json:"percent"`
	ThresholdStatus string           `json:"threshold_status"`
	Epoch           int              `json:"epoch"`
	PerActor        map[string]int64 `json:"per_actor"`
}

// Coordination is the agent_coordination section.
type Coordination struct {
	ActiveActors    []string `json:"active_actors"`
	BackgroundTasks []string `json:"background_tasks"`
}

// RecoveryMetadata is the recovery_metadata section.
type RecoveryMetadata struct {
	IntegrityHash    string   `json:"integrity_hash"`
	ValidationStatus string   `json:"validation_status"`
	Dependencies     []string `json:"dependencies"`
	Compatibility    string   `json:"compatibility"`
}

// Validation statuses recorded in recovery_metadata.
const (
	StatusValid             = "valid"
	StatusRepaired          = "repaired"
	StatusRepairedEssential = "repaired_essential"
)

// Bundle is a handoff bundle: a point-in-time snapshot of a session.
type Bundle struct {
	Metadata     Metadata         `json:"bundle_metadata"`
	Session      SessionState     `json:"session_state"`
	Usage        ContextUsage     `json:"context_usage"`
	Knowledge    json.RawMessage  `json:"knowledge_graph"`
	Coordination Coordination     `json:"agent_coordination"`
	Recovery     RecoveryMetadata `json:"recovery_metadata"`
}

// Section names.
const (
	SectionMetadata     = "bundle_metadata"
	SectionSession      = "session_state"
	SectionUsage        = "context_usage"
	SectionKnowledge    = "knowledge_graph"
	SectionCoordination = "agent_coordination"
	SectionRecovery     = "recovery_metadata"
)

var requiredSections = []string{
	SectionMetadata, SectionSession, SectionUsage,
	SectionKnowledge, SectionCoordination, SectionRecovery,
}

// hashedSections are covered by the integrity hash.
var hashedSections = []string{SectionMetadata, SectionSession, SectionUsage}

// Ref locates a stored bundle.
type Ref struct {
	ID        string    `json:"id"`
	Partition Partition `json:"partition"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

func bundleKey(p Partition, id string) string {
	return fmt.Sprintf("bundles/%s/%s.json", p, id)
}

func reasonKey(id string) string {
	return fmt.Sprintf("bundles/%s/%s.reason.json", PartitionQuarantine, id)
}

const indexKey = "bundles/index.json"

// QuarantineRecord is the sidecar written next to a quarantined bundle.
type QuarantineRecord struct {
	BundleID       string    `json:"bundle_id"`
	ErrorType      string    `json:"error_type"`
	ErrorDetails   string    `json:"error_details"`
	QuarantineTime time.Time `json:"quarantine_time"`
}
