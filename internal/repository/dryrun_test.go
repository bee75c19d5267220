package repository

import (
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils/tests"
)

type recordedStatement struct {
	SQL  string
	Vars []any
}

// statementRecorder keeps every statement a dry run session builds.
type statementRecorder struct {
	mu         sync.Mutex
	statements []recordedStatement
}

func (r *statementRecorder) record(tx *gorm.DB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, recordedStatement{
		SQL:  tx.Statement.SQL.String(),
		Vars: slices.Clone(tx.Statement.Vars),
	})
}

func (r *statementRecorder) all() []recordedStatement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.statements)
}

// find returns the first recorded statement containing fragment.
func (r *statementRecorder) find(t *testing.T, fragment string) recordedStatement {
	t.Helper()

	for _, st := range r.all() {
		if strings.Contains(st.SQL, fragment) {
			return st
		}
	}
	t.Fatalf("no statement contains %q; recorded %v", fragment, r.all())
	return recordedStatement{}
}

func newDryRunDB(t *testing.T) (*gorm.DB, *statementRecorder) {
	t.Helper()

	db, err := gorm.Open(tests.DummyDialector{}, &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}

	rec := &statementRecorder{}
	cb := db.Callback()
	for _, err := range []error{
		cb.Create().After("gorm:create").Register("test:record_create", rec.record),
		cb.Query().After("gorm:query").Register("test:record_query", rec.record),
		cb.Update().After("gorm:update").Register("test:record_update", rec.record),
		cb.Delete().After("gorm:delete").Register("test:record_delete", rec.record),
	} {
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	return db, rec
}

// insertedValues maps the columns of a single row INSERT to their bound values.
func insertedValues(t *testing.T, st recordedStatement) map[string]any {
	t.Helper()

	start := strings.Index(st.SQL, "(")
	end := strings.Index(st.SQL, ") VALUES")
	if !strings.HasPrefix(st.SQL, "INSERT INTO") || start < 0 || end < start {
		t.Fatalf("not an insert: %s", st.SQL)
	}
	columns := strings.Split(st.SQL[start+1:end], ",")
	if len(st.Vars) < len(columns) {
		t.Fatalf("insert binds %d values for %d columns: %s", len(st.Vars), len(columns), st.SQL)
	}

	values := make(map[string]any, len(columns))
	for i, column := range columns {
		values[strings.Trim(strings.TrimSpace(column), "`")] = st.Vars[i]
	}
	return values
}

func assertContains(t *testing.T, sql string, fragments ...string) {
	t.Helper()

	for _, fragment := range fragments {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("sql = %s\nwant fragment %q", sql, fragment)
		}
	}
}

func assertNotContains(t *testing.T, sql string, fragments ...string) {
	t.Helper()

	for _, fragment := range fragments {
		if strings.Contains(sql, fragment) {
			t.Fatalf("sql = %s\nunexpected fragment %q", sql, fragment)
		}
	}
}

func hasVar(vars []any, want any) bool {
	for _, v := range vars {
		if reflect.DeepEqual(v, want) {
			return true
		}
	}
	return false
}
