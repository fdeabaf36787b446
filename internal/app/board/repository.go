package board

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrProjectNotFound = errors.New("project not found")

// Repository owns the board entity tables the rollback interpreter mutates.
// All child tables cascade from projects so that reversing a createProject is
// a single delete.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

const createProjectsSQL = `
CREATE TABLE IF NOT EXISTS projects (
  id text PRIMARY KEY,
  organization_id text NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
  name text NOT NULL,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createColumnsSQL = `
CREATE TABLE IF NOT EXISTS board_columns (
  id text PRIMARY KEY,
  project_id text NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  name text NOT NULL,
  position integer NOT NULL DEFAULT 0
)`

const createLabelsSQL = `
CREATE TABLE IF NOT EXISTS labels (
  id text PRIMARY KEY,
  project_id text NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  name text NOT NULL,
  color text NOT NULL DEFAULT ''
)`

const createTasksSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  project_id text NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  column_id text NOT NULL REFERENCES board_columns(id) ON DELETE CASCADE,
  content text NOT NULL,
  description text NOT NULL DEFAULT '',
  priority text NOT NULL DEFAULT 'medium',
  position integer NOT NULL DEFAULT 0,
  due_date timestamptz,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createTaskAssigneesSQL = `
CREATE TABLE IF NOT EXISTS task_assignees (
  task_id text NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  user_id text NOT NULL,
  added_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (task_id, user_id)
)`

const createTaskLabelsSQL = `
CREATE TABLE IF NOT EXISTS task_labels (
  task_id text NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  label_id text NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
  PRIMARY KEY (task_id, label_id)
)`

const createTaskCommentsSQL = `
CREATE TABLE IF NOT EXISTS task_comments (
  id text PRIMARY KEY,
  task_id text NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  author_id text NOT NULL,
  content text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		createProjectsSQL,
		createColumnsSQL,
		createLabelsSQL,
		createTasksSQL,
		createTaskAssigneesSQL,
		createTaskLabelsSQL,
		createTaskCommentsSQL,
	}
	for _, stmt := range statements {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ResolveProjectOrg returns the organization that owns a project. The
// rollback orchestrators use it to anchor authorization on the project's
// current owner rather than the organization recorded on the activity.
func (r *Repository) ResolveProjectOrg(ctx context.Context, projectID string) (string, error) {
	var orgID string
	err := r.Pool.QueryRow(ctx,
		`SELECT organization_id FROM projects WHERE id = $1`,
		projectID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProjectNotFound
		}
		return "", err
	}
	return orgID, nil
}
