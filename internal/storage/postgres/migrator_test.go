package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestReadSchemaSteps_OrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE test_b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE test_a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_a;")},
	}

	plan, err := readSchemaSteps(fsys)
	if err != nil {
		t.Fatalf("readSchemaSteps failed: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan))
	}
	if plan[0].Version != 1 || plan[0].Name != "init" {
		t.Fatalf("unexpected first step: %+v", plan[0])
	}
	if plan[1].Version != 2 || !strings.Contains(plan[1].Down, "test_b") {
		t.Fatalf("unexpected second step: %+v", plan[1])
	}
}

func TestReadSchemaSteps_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fsys fstest.MapFS
		want string
	}{
		"missing down": {
			fsys: fstest.MapFS{"sql/migrations/0001_init.up.sql": {Data: []byte("SELECT 1;")}},
			want: "both up and down",
		},
		"invalid name": {
			fsys: fstest.MapFS{"sql/migrations/not_a_migration.sql": {Data: []byte("SELECT 1;")}},
			want: "invalid migration file name",
		},
		"empty body": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("   \n")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "empty",
		},
		"name conflict": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "conflicting names",
		},
		"no files": {
			fsys: fstest.MapFS{},
			want: "no migration files",
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := readSchemaSteps(tc.fsys)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestReadSchemaSteps_EmbeddedPlan(t *testing.T) {
	t.Parallel()

	plan, err := readSchemaSteps(embeddedMigrations)
	if err != nil {
		t.Fatalf("embedded migrations are invalid: %v", err)
	}
	if len(plan) != 4 {
		t.Fatalf("expected 4 embedded steps, got %d", len(plan))
	}
	for i, step := range plan {
		if step.Version != int64(i+1) {
			t.Fatalf("unexpected version order at %d: %d", i, step.Version)
		}
	}
}
