package contracts

import "time"

// RollbackEvent is published by the rollback API after a rollback transaction
// commits, so board clients can refresh the affected project.
type RollbackEvent struct {
	EventID         string    `json:"event_id"`
	ActivityID      string    `json:"activity_id"`
	SessionID       string    `json:"session_id"`
	ProjectID       string    `json:"project_id"`
	OrganizationID  string    `json:"organization_id"`
	ActorUserID     string    `json:"actor_user_id"`
	ToolName        string    `json:"tool_name"`
	Description     string    `json:"description"`
	RolledBackCount int       `json:"rolled_back_count"`
	OccurredAt      time.Time `json:"occurred_at"`
	ShardID         int       `json:"shard_id"`
}
