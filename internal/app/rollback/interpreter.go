package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the slice of pgx.Tx the interpreter and the claim protocol need.
// Both run inside a transaction owned by the orchestrator.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ErrUnsupportedSnapshot marks a snapshot the interpreter cannot reverse.
// This is a write-path bug, not a runtime condition: it surfaces as a 500.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot operation or entity")

// applyRollback performs the minimal inverse mutation for one snapshot and
// returns a human-readable description of what it undid. The project id comes
// from the parent activity record because delete snapshots do not carry it.
func applyRollback(ctx context.Context, q Querier, snap Snapshot, projectID string) (string, error) {
	switch s := snap.(type) {
	case BatchSnapshot:
		return applyBatchRollback(ctx, q, s, projectID)
	case SingleSnapshot:
		return applySingleRollback(ctx, q, s, projectID)
	default:
		return "", ErrUnsupportedSnapshot
	}
}

func applySingleRollback(ctx context.Context, q Querier, s SingleSnapshot, projectID string) (string, error) {
	switch s.Operation {
	case OpCreate:
		if s.EntityType != EntityTask {
			return "", unsupported(s.Operation, s.EntityType)
		}
		if _, err := q.Exec(ctx,
			`DELETE FROM tasks WHERE id = $1 AND project_id = $2`,
			s.EntityID, projectID,
		); err != nil {
			return "", err
		}
		return "Deleted task " + s.EntityID, nil

	case OpCreateProject:
		if s.EntityType != EntityProject {
			return "", unsupported(s.Operation, s.EntityType)
		}
		// Columns, labels, tasks, pairings and comments go with the project
		// row via ON DELETE CASCADE.
		if _, err := q.Exec(ctx, `DELETE FROM projects WHERE id = $1`, s.EntityID); err != nil {
			return "", err
		}
		return "Deleted project " + s.EntityID, nil

	case OpUpdate:
		if s.EntityType != EntityTask {
			return "", unsupported(s.Operation, s.EntityType)
		}
		if err := restoreTaskFields(ctx, q, s.EntityID, projectID, s.PreviousState); err != nil {
			return "", err
		}
		return "Restored task " + s.EntityID + " to previous state", nil

	case OpMove:
		if s.EntityType != EntityTask {
			return "", unsupported(s.Operation, s.EntityType)
		}
		columnID, okColumn := stateString(s.PreviousState, "columnId")
		position, okIndex := stateInt(s.PreviousState, "columnIndex")
		if !okColumn || !okIndex {
			return "", fmt.Errorf("%w: move snapshot for task %s is missing position", ErrMalformedSnapshot, s.EntityID)
		}
		if _, err := q.Exec(ctx,
			`UPDATE tasks SET column_id = $3, position = $4, updated_at = now()
			 WHERE id = $1 AND project_id = $2`,
			s.EntityID, projectID, columnID, position,
		); err != nil {
			return "", err
		}
		return "Moved task " + s.EntityID + " back to its previous column", nil

	case OpDelete:
		if s.EntityType != EntityTask {
			return "", unsupported(s.Operation, s.EntityType)
		}
		task, err := taskSnapshotFromState(s.EntityID, s.PreviousState)
		if err != nil {
			return "", err
		}
		if err := insertTask(ctx, q, projectID, task); err != nil {
			return "", err
		}
		return "Re-created task " + s.EntityID, nil

	case OpAssign:
		if s.EntityType != EntityAssignee {
			return "", unsupported(s.Operation, s.EntityType)
		}
		userID, ok := stateString(s.PreviousState, "userId")
		if !ok {
			return "", fmt.Errorf("%w: assign snapshot for task %s is missing userId", ErrMalformedSnapshot, s.EntityID)
		}
		if _, err := q.Exec(ctx,
			`DELETE FROM task_assignees WHERE task_id = $1 AND user_id = $2`,
			s.EntityID, userID,
		); err != nil {
			return "", err
		}
		return "Removed assignee from task " + s.EntityID, nil

	case OpUnassign:
		if s.EntityType != EntityAssignee {
			return "", unsupported(s.Operation, s.EntityType)
		}
		userID, ok := stateString(s.PreviousState, "userId")
		if !ok {
			return "", fmt.Errorf("%w: unassign snapshot for task %s is missing userId", ErrMalformedSnapshot, s.EntityID)
		}
		// Idempotent: tolerates the pairing having been restored by an
		// overlapping action.
		if _, err := q.Exec(ctx,
			`INSERT INTO task_assignees (task_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (task_id, user_id) DO NOTHING`,
			s.EntityID, userID,
		); err != nil {
			return "", err
		}
		return "Restored assignee on task " + s.EntityID, nil

	case OpAddLabel:
		if s.EntityType != EntityTaskLabel {
			return "", unsupported(s.Operation, s.EntityType)
		}
		labelID, ok := stateString(s.PreviousState, "labelId")
		if !ok {
			return "", fmt.Errorf("%w: addLabel snapshot for task %s is missing labelId", ErrMalformedSnapshot, s.EntityID)
		}
		if _, err := q.Exec(ctx,
			`DELETE FROM task_labels WHERE task_id = $1 AND label_id = $2`,
			s.EntityID, labelID,
		); err != nil {
			return "", err
		}
		return "Removed label from task " + s.EntityID, nil

	case OpRemoveLabel:
		if s.EntityType != EntityTaskLabel {
			return "", unsupported(s.Operation, s.EntityType)
		}
		labelID, ok := stateString(s.PreviousState, "labelId")
		if !ok {
			return "", fmt.Errorf("%w: removeLabel snapshot for task %s is missing labelId", ErrMalformedSnapshot, s.EntityID)
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO task_labels (task_id, label_id) VALUES ($1, $2)
			 ON CONFLICT (task_id, label_id) DO NOTHING`,
			s.EntityID, labelID,
		); err != nil {
			return "", err
		}
		return "Restored label on task " + s.EntityID, nil

	case OpAddComment:
		if s.EntityType != EntityComment {
			return "", unsupported(s.Operation, s.EntityType)
		}
		if _, err := q.Exec(ctx, `DELETE FROM task_comments WHERE id = $1`, s.EntityID); err != nil {
			return "", err
		}
		return "Deleted comment " + s.EntityID, nil

	default:
		return "", unsupported(s.Operation, s.EntityType)
	}
}

func applyBatchRollback(ctx context.Context, q Querier, b BatchSnapshot, projectID string) (string, error) {
	if b.EntityType != EntityTask {
		return "", unsupported(b.Operation, b.EntityType)
	}

	switch b.Operation {
	case OpBatchMove:
		for _, task := range b.Tasks {
			if _, err := q.Exec(ctx,
				`UPDATE tasks SET column_id = $3, position = $4, updated_at = now()
				 WHERE id = $1 AND project_id = $2`,
				task.ID, projectID, task.ColumnID, task.ColumnIndex,
			); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Moved %d task(s) back to their previous columns", len(b.Tasks)), nil

	case OpBatchUpdate:
		for _, task := range b.Tasks {
			if _, err := q.Exec(ctx,
				`UPDATE tasks
				 SET content = $3, description = $4, priority = $5, column_id = $6,
				     position = $7, due_date = $8, updated_at = now()
				 WHERE id = $1 AND project_id = $2`,
				task.ID, projectID, task.Content, task.Description, task.Priority,
				task.ColumnID, task.ColumnIndex, task.DueDate,
			); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Restored %d task(s) to their previous state", len(b.Tasks)), nil

	case OpBatchDelete:
		for _, task := range b.Tasks {
			if err := insertTask(ctx, q, projectID, task); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Re-created %d task(s)", len(b.Tasks)), nil

	default:
		return "", unsupported(b.Operation, b.EntityType)
	}
}

// sparseTaskFields is the whitelist of restorable task fields, in the order
// they appear in generated SET clauses.
var sparseTaskFields = []struct {
	key    string
	column string
}{
	{"content", "content"},
	{"description", "description"},
	{"priority", "priority"},
	{"columnId", "column_id"},
	{"columnIndex", "position"},
	{"dueDate", "due_date"},
}

// restoreTaskFields applies only the fields present in previousState. Fields
// changed by later, unrelated activities are left untouched.
func restoreTaskFields(ctx context.Context, q Querier, taskID, projectID string, state map[string]any) error {
	var assignments []string
	args := []any{taskID, projectID}

	for _, field := range sparseTaskFields {
		value, present := state[field.key]
		if !present {
			continue
		}
		if field.key == "columnIndex" {
			if n, ok := asInt(value); ok {
				value = n
			}
		}
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", field.column, len(args)))
	}
	if len(assignments) == 0 {
		return fmt.Errorf("%w: update snapshot for task %s has no restorable fields", ErrMalformedSnapshot, taskID)
	}

	sql := "UPDATE tasks SET " + strings.Join(assignments, ", ") +
		", updated_at = now() WHERE id = $1 AND project_id = $2"
	_, err := q.Exec(ctx, sql, args...)
	return err
}

func insertTask(ctx context.Context, q Querier, projectID string, task TaskSnapshot) error {
	_, err := q.Exec(ctx,
		`INSERT INTO tasks (id, project_id, column_id, content, description, priority, position, due_date, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, projectID, task.ColumnID, task.Content, task.Description,
		task.Priority, task.ColumnIndex, task.DueDate, task.AuthorID,
	)
	return err
}

// taskSnapshotFromState decodes a single-delete snapshot's full-row state.
func taskSnapshotFromState(entityID string, state map[string]any) (TaskSnapshot, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("%w: delete snapshot for task %s", ErrMalformedSnapshot, entityID)
	}
	var task TaskSnapshot
	if err := json.Unmarshal(raw, &task); err != nil {
		return TaskSnapshot{}, fmt.Errorf("%w: delete snapshot for task %s", ErrMalformedSnapshot, entityID)
	}
	if task.ID == "" {
		task.ID = entityID
	}
	if task.ColumnID == "" || task.Content == "" {
		return TaskSnapshot{}, fmt.Errorf("%w: delete snapshot for task %s is incomplete", ErrMalformedSnapshot, entityID)
	}
	return task, nil
}

func unsupported(operation, entityType string) error {
	return fmt.Errorf("%w: %s/%s", ErrUnsupportedSnapshot, operation, entityType)
}

func stateString(state map[string]any, key string) (string, bool) {
	v, ok := state[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func stateInt(state map[string]any, key string) (int, bool) {
	v, ok := state[key]
	if !ok {
		return 0, false
	}
	return asInt(v)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
