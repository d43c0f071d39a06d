package repository

import (
	"context"
	"fmt"
	"strings"
)

// Flexible analytics queries. User input is compiled to parameterized SQL
// through a closed operator set and a per-table column allow-list; nothing
// from the request ever reaches the database as SQL text.

// Filter is one predicate of an analytics query.
type Filter struct {
	Column string      `json:"column"`
	Op     string      `json:"op"`
	Value  interface{} `json:"value"`
}

// TableQuery is the declarative form of an /analytics/query request.
type TableQuery struct {
	Table   string   `json:"-"`
	Filters []Filter `json:"filters"`
	OrderBy string   `json:"orderBy"`
	Desc    bool     `json:"desc"`
	Limit   int      `json:"limit"`
	Offset  int64    `json:"offset"`
}

// ValidationError is returned for malformed queries; the API maps it to 400.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

var filterOps = map[string]string{
	"eq":    "=",
	"neq":   "!=",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
	"like":  "LIKE",
	"ilike": "ILIKE",
	"in":    "IN",
	"is":    "IS",
}

// queryableTables maps the exposed table names to their real relation and
// the columns a caller may filter or order by.
var queryableTables = map[string]struct {
	relation string
	columns  map[string]bool
}{
	"diamonds": {
		relation: "app.diamonds",
		columns: colSet("id", "feed", "supplier_stone_id", "shape", "carats", "color",
			"fancy_color", "clarity", "cut", "polish", "symmetry", "fluorescence",
			"lab", "lab_grown", "ratio", "supplier_price", "price_per_carat",
			"retail_price", "markup_ratio", "rating", "availability", "status",
			"source_updated_at", "created_at", "updated_at"),
	},
	"run_metadata": {
		relation: "app.run_metadata",
		columns: colSet("run_id", "feed", "run_type", "expected_workers",
			"completed_workers", "failed_workers", "cancelled", "total_records",
			"started_at", "completed_at"),
	},
	"worker_runs": {
		relation: "app.worker_runs",
		columns: colSet("id", "run_id", "partition_id", "worker_id", "status",
			"records_processed", "started_at", "completed_at"),
	},
}

func colSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// BuildTableQuery compiles a TableQuery into SQL and its argument list, or a
// ValidationError describing what was rejected.
func BuildTableQuery(q TableQuery) (string, []interface{}, error) {
	table, ok := queryableTables[q.Table]
	if !ok {
		return "", nil, &ValidationError{Code: "unknown_table", Message: fmt.Sprintf("table %q is not queryable", q.Table)}
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(table.relation)

	var args []interface{}
	for i, f := range q.Filters {
		if !table.columns[f.Column] {
			return "", nil, &ValidationError{Code: "unknown_column", Message: fmt.Sprintf("column %q is not queryable on %s", f.Column, q.Table)}
		}
		sqlOp, ok := filterOps[f.Op]
		if !ok {
			return "", nil, &ValidationError{Code: "unknown_operator", Message: fmt.Sprintf("operator %q is not supported", f.Op)}
		}

		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		switch f.Op {
		case "in":
			values, ok := f.Value.([]interface{})
			if !ok || len(values) == 0 {
				return "", nil, &ValidationError{Code: "bad_value", Message: "operator 'in' needs a non-empty array value"}
			}
			args = append(args, values)
			fmt.Fprintf(&sb, "%s = ANY($%d)", f.Column, len(args))
		case "is":
			// Only NULL / NOT NULL; anything else is rejected.
			switch v, _ := f.Value.(string); strings.ToLower(v) {
			case "null":
				fmt.Fprintf(&sb, "%s IS NULL", f.Column)
			case "not null":
				fmt.Fprintf(&sb, "%s IS NOT NULL", f.Column)
			default:
				return "", nil, &ValidationError{Code: "bad_value", Message: "operator 'is' accepts only \"null\" or \"not null\""}
			}
		default:
			args = append(args, f.Value)
			fmt.Fprintf(&sb, "%s %s $%d", f.Column, sqlOp, len(args))
		}
	}

	if q.OrderBy != "" {
		if !table.columns[q.OrderBy] {
			return "", nil, &ValidationError{Code: "unknown_column", Message: fmt.Sprintf("column %q is not orderable on %s", q.OrderBy, q.Table)}
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.OrderBy)
		if q.Desc {
			sb.WriteString(" DESC")
		}
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args, nil
}

// QueryTable runs a compiled analytics query and returns generic rows.
func (r *Repository) QueryTable(ctx context.Context, q TableQuery) ([]map[string]interface{}, error) {
	sql, args, err := BuildTableQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics query on %s: %w", q.Table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			record[string(fd.Name)] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
