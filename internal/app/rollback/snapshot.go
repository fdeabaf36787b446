package rollback

import (
	"encoding/json"
	"errors"
	"time"
)

// Operations the agent write path records in snapshots.
const (
	OpCreate        = "create"
	OpCreateProject = "createProject"
	OpUpdate        = "update"
	OpMove          = "move"
	OpDelete        = "delete"
	OpAssign        = "assign"
	OpUnassign      = "unassign"
	OpAddLabel      = "addLabel"
	OpRemoveLabel   = "removeLabel"
	OpAddComment    = "addComment"
	OpBatchMove     = "batchMove"
	OpBatchUpdate   = "batchUpdate"
	OpBatchDelete   = "batchDelete"
)

// Entity types a snapshot may reference.
const (
	EntityTask      = "task"
	EntityProject   = "project"
	EntityAssignee  = "assignee"
	EntityTaskLabel = "taskLabel"
	EntityComment   = "comment"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Snapshot is the captured prior state of one agent write, sufficient to
// reverse it. It is a tagged union: SingleSnapshot for one-entity operations,
// BatchSnapshot for operations that touched many tasks atomically.
type Snapshot interface {
	isSnapshot()
}

// SingleSnapshot describes what one entity looked like before the write.
// PreviousState is sparse: only the fields the original mutation changed are
// present, so rolling back an update restores exactly those fields and leaves
// later unrelated edits alone. Delete snapshots carry the full row.
type SingleSnapshot struct {
	Operation     string         `json:"operation"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	PreviousState map[string]any `json:"previousState,omitempty"`
}

// TaskSnapshot is one full pre-mutation task row inside a BatchSnapshot.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	ColumnID    string     `json:"columnId"`
	ColumnIndex int        `json:"columnIndex"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	AuthorID    string     `json:"authorId"`
}

// BatchSnapshot captures every task a batch operation touched. Batch captures
// are always full rows, unlike SingleSnapshot's sparse map.
type BatchSnapshot struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entityType"`
	Tasks      []TaskSnapshot `json:"tasks"`
}

func (SingleSnapshot) isSnapshot() {}
func (BatchSnapshot) isSnapshot()  {}

// DecodeSnapshot parses a stored snapshot document. The shape is decided by
// the presence of a tasks array.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var probe struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrMalformedSnapshot
	}

	if len(probe.Tasks) > 0 && string(probe.Tasks) != "null" {
		var batch BatchSnapshot
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, ErrMalformedSnapshot
		}
		if batch.Operation == "" {
			return nil, ErrMalformedSnapshot
		}
		return batch, nil
	}

	var single SingleSnapshot
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, ErrMalformedSnapshot
	}
	if single.Operation == "" {
		return nil, ErrMalformedSnapshot
	}
	return single, nil
}
