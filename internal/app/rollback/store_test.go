package rollback

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInsertActivity_DefaultsEmptyColumns(t *testing.T) {
	q := newFakeQuerier()
	err := insertActivity(context.Background(), q, Activity{
		ID:             "act-1",
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		SessionID:      "sess-1",
		UserID:         "user-1",
		ToolName:       ToolRollback,
		Status:         StatusCompleted,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("insertActivity returned error: %v", err)
	}
	if len(q.execs) != 1 {
		t.Fatalf("expected one statement, got %d", len(q.execs))
	}
	args := q.execs[0].args
	// Empty tool input is stored as an empty object so jsonb equality in
	// match lookups stays well defined.
	if input, _ := args[6].(json.RawMessage); string(input) != `{}` {
		t.Fatalf("unexpected tool input default: %s", input)
	}
	affected, ok := args[10].([]string)
	if !ok || affected == nil || len(affected) != 0 {
		t.Fatalf("unexpected affected ids default: %#v", args[10])
	}
}
