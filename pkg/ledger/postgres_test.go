package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"steward/pkg/models"
)

type execCall struct {
	sql  string
	args []any
}

type recordingDB struct {
	execs []execCall
}

func (f *recordingDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *recordingDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *recordingDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(...any) error { return pgx.ErrNoRows }

func TestAppendAuditAssignsDistinctIDs(t *testing.T) {
	db := &recordingDB{}
	s := NewPostgres(db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.AppendAudit(ctx, models.AuditEntry{
			Project:   "acme/widgets",
			EventType: models.AuditEventSkipped,
			Actor:     "pipeline",
		})
		if err != nil {
			t.Fatalf("AppendAudit %d: %v", i, err)
		}
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d", len(db.execs))
	}
	ids := make([]string, 2)
	for i, call := range db.execs {
		id, ok := call.args[0].(string)
		if !ok || id == "" {
			t.Fatalf("insert %d id arg = %#v, want generated id", i, call.args[0])
		}
		ids[i] = id
		// The stored body must carry the same id the row is keyed by.
		var e models.AuditEntry
		if err := json.Unmarshal(call.args[4].([]byte), &e); err != nil {
			t.Fatalf("insert %d body: %v", i, err)
		}
		if e.ID != id {
			t.Fatalf("insert %d body id = %q, row id = %q", i, e.ID, id)
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("insert %d timestamp not assigned", i)
		}
	}
	if ids[0] == ids[1] {
		t.Fatalf("both inserts keyed by %q", ids[0])
	}
}

func TestAppendAuditKeepsCallerID(t *testing.T) {
	db := &recordingDB{}
	s := NewPostgres(db)
	err := s.AppendAudit(context.Background(), models.AuditEntry{
		ID:        "audit-7",
		Project:   "acme/widgets",
		EventType: models.AuditRouted,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if got := db.execs[0].args[0]; got != "audit-7" {
		t.Fatalf("id arg = %v, want caller-provided id", got)
	}
}
