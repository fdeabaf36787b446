package rollback

import (
	"errors"
	"testing"
)

func TestDecodeSnapshot_Single(t *testing.T) {
	raw := []byte(`{"operation":"update","entityType":"task","entityId":"task-1","previousState":{"priority":"low"}}`)
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot returned error: %v", err)
	}
	single, ok := snap.(SingleSnapshot)
	if !ok {
		t.Fatalf("expected SingleSnapshot, got %T", snap)
	}
	if single.Operation != OpUpdate || single.EntityType != EntityTask || single.EntityID != "task-1" {
		t.Fatalf("unexpected snapshot: %+v", single)
	}
	if single.PreviousState["priority"] != "low" {
		t.Fatalf("unexpected previous state: %+v", single.PreviousState)
	}
}

func TestDecodeSnapshot_BatchDispatchesOnTasksArray(t *testing.T) {
	raw := []byte(`{"operation":"batchMove","entityType":"task","tasks":[{"id":"task-1","content":"a","priority":"high","columnId":"col-1","columnIndex":2,"authorId":"u1"}]}`)
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot returned error: %v", err)
	}
	batch, ok := snap.(BatchSnapshot)
	if !ok {
		t.Fatalf("expected BatchSnapshot, got %T", snap)
	}
	if len(batch.Tasks) != 1 || batch.Tasks[0].ID != "task-1" || batch.Tasks[0].ColumnIndex != 2 {
		t.Fatalf("unexpected batch snapshot: %+v", batch)
	}
}

func TestDecodeSnapshot_NullTasksIsSingle(t *testing.T) {
	raw := []byte(`{"operation":"create","entityType":"task","entityId":"task-1","tasks":null}`)
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot returned error: %v", err)
	}
	if _, ok := snap.(SingleSnapshot); !ok {
		t.Fatalf("expected SingleSnapshot for null tasks, got %T", snap)
	}
}

func TestDecodeSnapshot_Malformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":      `{not json`,
		"missing operation": `{"entityType":"task","entityId":"task-1"}`,
		"batch no op":       `{"entityType":"task","tasks":[{"id":"t1"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeSnapshot([]byte(raw)); !errors.Is(err, ErrMalformedSnapshot) {
				t.Fatalf("expected ErrMalformedSnapshot, got %v", err)
			}
		})
	}
}
