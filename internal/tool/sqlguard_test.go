package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardReadOnlyQueryAccepts(t *testing.T) {
	queries := []string{
		"SELECT * FROM students",
		"select name, grade from students where school_id = 's1'",
		"  SELECT 1;  ",
		"WITH recent AS (SELECT * FROM enrollments) SELECT * FROM recent",
		"SELECT id, updated_at FROM students ORDER BY updated_at",
	}
	for _, q := range queries {
		assert.NoError(t, GuardReadOnlyQuery(q), q)
	}
}

func TestGuardReadOnlyQueryRejects(t *testing.T) {
	cases := map[string]string{
		"empty":             "",
		"whitespace":        "   ",
		"mutation":          "DELETE FROM students",
		"not a select":      "SHOW TABLES",
		"multi statement":   "SELECT 1; DROP TABLE students",
		"embedded drop":     "SELECT 1 FROM pg_tables; DROP TABLE students",
		"case mixed update": "select * from x where update = 1",
		"trailing delete":   "WITH x AS (SELECT 1) DELETE FROM students",
	}
	for name, q := range cases {
		assert.Error(t, GuardReadOnlyQuery(q), name)
	}
}

func TestGuardReadOnlyQueryWordBoundary(t *testing.T) {
	// Keywords inside identifiers must not trip the guard.
	assert.NoError(t, GuardReadOnlyQuery("SELECT created_at, updated_at, deleted_at FROM students"))
}
