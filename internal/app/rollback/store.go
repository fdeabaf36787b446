package rollback

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrActivityNotFound = errors.New("activity not found")

// Store is the activity persistence surface the orchestrators drive. RunInTx
// hands the callback a Querier scoped to one transaction; the claim protocol,
// the interpreter's inverse mutations and the audit insert all go through it
// so they commit or abort together.
type Store interface {
	GetActivity(ctx context.Context, activityID string) (Activity, error)
	ListCompletedBySession(ctx context.Context, sessionID string) ([]Activity, error)
	FindLatestMatch(ctx context.Context, sessionID, toolName string, toolInput json.RawMessage) (Activity, error)
	InsertActivity(ctx context.Context, a Activity) error
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const createActivitiesSQL = `
CREATE TABLE IF NOT EXISTS agent_activities (
  id text PRIMARY KEY,
  organization_id text NOT NULL,
  project_id text NOT NULL,
  session_id text NOT NULL,
  user_id text NOT NULL,
  tool_name text NOT NULL,
  tool_input jsonb NOT NULL DEFAULT '{}'::jsonb,
  tool_output jsonb,
  status text NOT NULL DEFAULT 'completed',
  snapshot_before jsonb,
  affected_task_ids text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createActivitiesSessionIndexSQL = `
CREATE INDEX IF NOT EXISTS agent_activities_session_created_idx
ON agent_activities (session_id, created_at DESC)`

const activityColumns = `id, organization_id, project_id, session_id, user_id,
	tool_name, tool_input, tool_output, status, snapshot_before,
	affected_task_ids, created_at`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createActivitiesSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createActivitiesSessionIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, activityID string) (Activity, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM agent_activities WHERE id = $1`,
		activityID,
	)
	return scanActivity(row)
}

// ListCompletedBySession returns a session's completed activities most recent
// first: reversal must undo the latest state-dependent action before earlier
// ones.
func (s *PostgresStore) ListCompletedBySession(ctx context.Context, sessionID string) ([]Activity, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM agent_activities
		 WHERE session_id = $1 AND status = $2
		 ORDER BY created_at DESC, id DESC`,
		sessionID, StatusCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := make([]Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return activities, nil
}

// FindLatestMatch locates the most recent completed activity whose stored
// tool input is structurally equal to the given one. Equality is Postgres
// JSONB equality, so key ordering does not matter but any value difference
// does.
func (s *PostgresStore) FindLatestMatch(ctx context.Context, sessionID, toolName string, toolInput json.RawMessage) (Activity, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+activityColumns+`
		 FROM agent_activities
		 WHERE session_id = $1 AND tool_name = $2 AND status = $3 AND tool_input = $4::jsonb
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		sessionID, toolName, StatusCompleted, toolInput,
	)
	return scanActivity(row)
}

func (s *PostgresStore) InsertActivity(ctx context.Context, a Activity) error {
	return insertActivity(ctx, s.Pool, a)
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// insertActivity works against either the pool or an open transaction.
func insertActivity(ctx context.Context, q Querier, a Activity) error {
	input := a.ToolInput
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	affected := a.AffectedTaskIDs
	if affected == nil {
		affected = []string{}
	}
	_, err := q.Exec(ctx,
		`INSERT INTO agent_activities (
		   id, organization_id, project_id, session_id, user_id,
		   tool_name, tool_input, tool_output, status, snapshot_before,
		   affected_task_ids, created_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.OrganizationID, a.ProjectID, a.SessionID, a.UserID,
		a.ToolName, input, a.ToolOutput, a.Status, a.SnapshotBefore,
		affected, a.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (Activity, error) {
	var a Activity
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.ProjectID,
		&a.SessionID,
		&a.UserID,
		&a.ToolName,
		&a.ToolInput,
		&a.ToolOutput,
		&a.Status,
		&a.SnapshotBefore,
		&a.AffectedTaskIDs,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Activity{}, ErrActivityNotFound
		}
		return Activity{}, err
	}
	return a, nil
}
