package stream

import (
	"time"

	"github.com/codesweep/codesweep/internal/types"
)

// MessageType discriminates stream messages.
type MessageType string

const (
	// MessageTypeStarted opens a streaming session
	MessageTypeStarted MessageType = "started"
	// MessageTypeProgress carries a progress snapshot (explicit or heartbeat)
	MessageTypeProgress MessageType = "progress"
	// MessageTypeIssue carries a single issue (prioritization disabled)
	MessageTypeIssue MessageType = "issue"
	// MessageTypeBatch carries a severity-ordered group of issues
	MessageTypeBatch MessageType = "batch"
	// MessageTypeMetrics carries engine metrics for observers
	MessageTypeMetrics MessageType = "metrics"
	// MessageTypeCompleted terminates a session successfully
	MessageTypeCompleted MessageType = "completed"
	// MessageTypeError terminates a session with an error
	MessageTypeError MessageType = "error"
	// MessageTypeCancelled terminates a session on request
	MessageTypeCancelled MessageType = "cancelled"
)

// IsTerminal reports whether the message type ends its session.
func (t MessageType) IsTerminal() bool {
	return t == MessageTypeCompleted || t == MessageTypeError || t == MessageTypeCancelled
}

// Message is one unit of progressive delivery. SequenceNumber is strictly
// increasing within a session, with no gaps in emission order.
type Message struct {
	// Type is the message discriminator
	Type MessageType `json:"type"`
	// SessionID identifies the streaming session this message belongs to
	SessionID string `json:"session_id"`
	// SequenceNumber orders messages within the session, starting at 1
	SequenceNumber uint64 `json:"sequence_number"`
	// Timestamp is when the message was emitted
	Timestamp time.Time `json:"timestamp"`
	// Issue is set on issue messages
	Issue *types.Issue `json:"issue,omitempty"`
	// Issues is set on batch messages, ordered by descending severity
	Issues []types.Issue `json:"issues,omitempty"`
	// Progress is set on started and progress messages
	Progress *ProgressSnapshot `json:"progress,omitempty"`
	// Summary is set on completed messages
	Summary *Summary `json:"summary,omitempty"`
	// Metrics is set on metrics messages
	Metrics map[string]interface{} `json:"metrics,omitempty"`
	// Error is set on error messages
	Error string `json:"error,omitempty"`
	// Reason is set on cancelled messages
	Reason string `json:"reason,omitempty"`
}

// Summary closes out a completed analysis.
type Summary struct {
	// FilesAnalyzed is the number of files processed
	FilesAnalyzed int `json:"files_analyzed"`
	// IssuesFound is the total issue count across all severities
	IssuesFound int `json:"issues_found"`
	// Duration is the wall time of the session
	Duration time.Duration `json:"duration"`
}

// Phase names one stage of an analysis session. Phases run in a fixed
// order and each carries a fixed share of overall progress.
type Phase string

const (
	// PhaseInitializing covers session setup
	PhaseInitializing Phase = "initializing"
	// PhaseDetecting covers scope detection and change diffing
	PhaseDetecting Phase = "detecting"
	// PhaseAnalyzing covers the analyzer callbacks, the bulk of the work
	PhaseAnalyzing Phase = "analyzing"
	// PhaseCaching covers result persistence
	PhaseCaching Phase = "caching"
	// PhaseReporting covers final delivery
	PhaseReporting Phase = "reporting"
)

// phaseOrder fixes the sequence of phases; weights sum to 1.0.
var phaseOrder = []Phase{PhaseInitializing, PhaseDetecting, PhaseAnalyzing, PhaseCaching, PhaseReporting}

var phaseWeights = map[Phase]float64{
	PhaseInitializing: 0.05,
	PhaseDetecting:    0.15,
	PhaseAnalyzing:    0.60,
	PhaseCaching:      0.10,
	PhaseReporting:    0.10,
}

// ProgressUpdate merges partial fields into the session's progress state.
// Zero-valued fields are left unmerged.
type ProgressUpdate struct {
	// Phase advances the session to the named phase
	Phase Phase `json:"phase,omitempty"`
	// FilesProcessed is the count of files finished in the current phase
	FilesProcessed int `json:"files_processed,omitempty"`
	// TotalFiles is the number of files the current phase will touch
	TotalFiles int `json:"total_files,omitempty"`
	// CurrentFile names the file being worked on
	CurrentFile string `json:"current_file,omitempty"`
	// IssuesFound is the running issue count
	IssuesFound int `json:"issues_found,omitempty"`
}

// ProgressSnapshot is the merged progress state sent to subscribers.
type ProgressSnapshot struct {
	Phase          Phase  `json:"phase"`
	FilesProcessed int    `json:"files_processed"`
	TotalFiles     int    `json:"total_files"`
	CurrentFile    string `json:"current_file,omitempty"`
	IssuesFound    int    `json:"issues_found"`
	// OverallPercent is the phase-weighted completion estimate, capped at
	// 99 until the session completes.
	OverallPercent float64 `json:"overall_percent"`
}

// overallPercent computes the weighted progress estimate: completed phases
// contribute their full weight, the current phase contributes its weight
// scaled by file progress. Never reports 100 mid-stream.
func overallPercent(phase Phase, filesProcessed, totalFiles int) float64 {
	var done float64
	for _, p := range phaseOrder {
		if p == phase {
			frac := 0.0
			if totalFiles > 0 {
				frac = float64(filesProcessed) / float64(totalFiles)
				if frac > 1 {
					frac = 1
				}
			}
			done += phaseWeights[p] * frac
			break
		}
		done += phaseWeights[p]
	}
	percent := done * 100
	if percent > 99 {
		percent = 99
	}
	return percent
}
