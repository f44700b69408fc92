package syncer

import (
	"time"

	"ucl/api/internal/util"
)

// ChangeType classifies a context change event.
type ChangeType string

const (
	GlobalUpdated      ChangeType = "global_updated"
	PlatformUpdated    ChangeType = "platform_updated"
	DomainUpdated      ChangeType = "domain_updated"
	InsightsMerged     ChangeType = "insights_merged"
	PreferencesLearned ChangeType = "preferences_learned"
)

// Change is a transient context-change event. It lives in memory for
// one reconciliation cycle and is never persisted.
type Change struct {
	ID              string
	Type            ChangeType
	ProjectID       string
	SourcePlatform  string
	DomainType      string
	TargetPlatforms []string
	Changes         map[string]any
	Insights        *InsightSet
	Metadata        map[string]any
	Timestamp       time.Time
	PropagatedTo    map[string]struct{}
	Confidence      float64

	// requiresApproval is derived from the confidence score at enqueue
	// time; callers never set it directly.
	requiresApproval bool
}

func newChange(changeType ChangeType, projectID, sourcePlatform string) *Change {
	return &Change{
		ID:             util.NewID("chg"),
		Type:           changeType,
		ProjectID:      projectID,
		SourcePlatform: sourcePlatform,
		Timestamp:      time.Now().UTC(),
		PropagatedTo:   make(map[string]struct{}),
		Confidence:     1.0,
	}
}

// RequiresApproval reports whether the change was routed to the manual
// approval sink instead of being propagated.
func (c *Change) RequiresApproval() bool {
	return c.requiresApproval
}

func (c *Change) markPropagated(platform string) {
	c.PropagatedTo[platform] = struct{}{}
}

// Policy configures the synchronization behavior.
type Policy struct {
	AutoSyncGlobal           bool
	AutoMergeInsights        bool
	RequireApprovalThreshold float64
	PollInterval             time.Duration
	ErrorBackoff             time.Duration
	MaxBatchSize             int
}

func DefaultPolicy() Policy {
	return Policy{
		AutoSyncGlobal:           true,
		AutoMergeInsights:        true,
		RequireApprovalThreshold: 0.7,
		PollInterval:             time.Second,
		ErrorBackoff:             5 * time.Second,
		MaxBatchSize:             10,
	}
}

// Status is a point-in-time snapshot of synchronization state for one
// project.
type Status struct {
	ProjectID       string         `json:"project_id"`
	ActivePlatforms []string       `json:"active_platforms"`
	PendingChanges  int            `json:"pending_changes"`
	Policy          map[string]any `json:"sync_policy"`
	LastSync        time.Time      `json:"last_sync"`
}
