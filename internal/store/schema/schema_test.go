package schema

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	ddl := `-- comment
CREATE TABLE a (
    id TEXT PRIMARY KEY
);

-- another comment
CREATE INDEX idx_a ON a (id);
CREATE TABLE b (id TEXT)`
	stmts := SplitStatements(ddl)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a") {
		t.Fatalf("first statement = %q", stmts[0])
	}
	if stmts[2] != "CREATE TABLE b (id TEXT)" {
		t.Fatalf("unterminated tail = %q", stmts[2])
	}
}

func TestEmbeddedScripts(t *testing.T) {
	for name, ddl := range map[string]string{"postgres": Postgres(), "sqlite": SQLite()} {
		stmts := SplitStatements(ddl)
		if len(stmts) == 0 {
			t.Fatalf("%s: no statements", name)
		}
		var hasMeasurements, hasPartialUnique bool
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS measurements") {
				hasMeasurements = true
			}
			if strings.Contains(s, "uq_measurement_file_col_feature") && strings.Contains(s, "WHERE file_id IS NOT NULL") {
				hasPartialUnique = true
			}
		}
		if !hasMeasurements {
			t.Fatalf("%s: measurements table missing", name)
		}
		if !hasPartialUnique {
			t.Fatalf("%s: partial unique index missing", name)
		}
	}
}
