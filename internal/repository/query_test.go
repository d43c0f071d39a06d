package repository

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildTableQuery_Basic(t *testing.T) {
	sql, args, err := BuildTableQuery(TableQuery{
		Table: "diamonds",
		Filters: []Filter{
			{Column: "feed", Op: "eq", Value: "demo"},
			{Column: "retail_price", Op: "gte", Value: 1000},
		},
		OrderBy: "retail_price",
		Desc:    true,
		Limit:   25,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "SELECT * FROM app.diamonds WHERE feed = $1 AND retail_price >= $2 ORDER BY retail_price DESC LIMIT $3"
	if sql != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", sql, want)
	}
	if len(args) != 3 || args[0] != "demo" || args[2] != 25 {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildTableQuery_InAndIs(t *testing.T) {
	sql, args, err := BuildTableQuery(TableQuery{
		Table: "run_metadata",
		Filters: []Filter{
			{Column: "run_type", Op: "in", Value: []interface{}{"full", "incremental"}},
			{Column: "completed_at", Op: "is", Value: "not null"},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "run_type = ANY($1)") {
		t.Errorf("expected ANY for in operator, got %s", sql)
	}
	if !strings.Contains(sql, "completed_at IS NOT NULL") {
		t.Errorf("expected IS NOT NULL, got %s", sql)
	}
	// 'is' contributes no argument.
	if len(args) != 2 {
		t.Errorf("expected 2 args (in list + limit), got %v", args)
	}
}

func TestBuildTableQuery_Rejections(t *testing.T) {
	cases := []struct {
		name string
		q    TableQuery
		code string
	}{
		{"unknown table", TableQuery{Table: "pg_catalog"}, "unknown_table"},
		{"unknown column", TableQuery{Table: "diamonds", Filters: []Filter{{Column: "password", Op: "eq", Value: 1}}}, "unknown_column"},
		{"injection in column", TableQuery{Table: "diamonds", Filters: []Filter{{Column: "id; DROP TABLE app.diamonds", Op: "eq", Value: 1}}}, "unknown_column"},
		{"unknown operator", TableQuery{Table: "diamonds", Filters: []Filter{{Column: "id", Op: "regex", Value: ".*"}}}, "unknown_operator"},
		{"empty in list", TableQuery{Table: "diamonds", Filters: []Filter{{Column: "id", Op: "in", Value: []interface{}{}}}}, "bad_value"},
		{"is with arbitrary value", TableQuery{Table: "diamonds", Filters: []Filter{{Column: "rating", Op: "is", Value: "TRUE; --"}}}, "bad_value"},
		{"unknown order column", TableQuery{Table: "worker_runs", OrderBy: "work_item_payload"}, "unknown_column"},
	}
	for _, tc := range cases {
		_, _, err := BuildTableQuery(tc.q)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
			continue
		}
		if ve.Code != tc.code {
			t.Errorf("%s: expected code %s, got %s", tc.name, tc.code, ve.Code)
		}
	}
}

func TestBuildTableQuery_LimitClamped(t *testing.T) {
	for _, limit := range []int{0, -3, 100000} {
		_, args, err := BuildTableQuery(TableQuery{Table: "worker_runs", Limit: limit})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if args[len(args)-1] != 100 {
			t.Errorf("limit %d: expected clamp to 100, got %v", limit, args[len(args)-1])
		}
	}
}
