package rollback

import (
	"encoding/json"
	"time"
)

// Activity statuses relevant to rollback. Only completed activities are
// reversible; rolled_back is terminal.
const (
	StatusCompleted  = "completed"
	StatusRolledBack = "rolled_back"
)

// ToolRollback is the tool name recorded on audit activities describing a
// rollback. Audit activities carry no snapshot and are never themselves
// reversible.
const ToolRollback = "rollback"

// Activity is the persisted record of one agent tool invocation. Immutable
// except for Status, which transitions completed -> rolled_back exactly once.
type Activity struct {
	ID              string          `json:"id"`
	OrganizationID  string          `json:"organization_id"`
	ProjectID       string          `json:"project_id"`
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id"`
	ToolName        string          `json:"tool_name"`
	ToolInput       json.RawMessage `json:"tool_input"`
	ToolOutput      json.RawMessage `json:"tool_output,omitempty"`
	Status          string          `json:"status"`
	SnapshotBefore  json.RawMessage `json:"snapshot_before,omitempty"`
	AffectedTaskIDs []string        `json:"affected_task_ids"`
	CreatedAt       time.Time       `json:"created_at"`
}

// HasSnapshot reports whether the activity captured enough prior state to be
// reversed.
func (a Activity) HasSnapshot() bool {
	return len(a.SnapshotBefore) > 0 && string(a.SnapshotBefore) != "null"
}
