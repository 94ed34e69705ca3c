package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FindOptions controls pagination and ordering for Find.
type FindOptions struct {
	Limit     int
	Offset    int
	OrderBy   string
	OrderDesc bool
}

// Find returns the records matching filters under this user. The filter
// expression is always AND-combined with user_id = ?.
func (s *Store) Find(ctx context.Context, userID, name string, filters map[string]any, opt FindOptions) ([]map[string]any, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return nil, err
	}
	where, args, err := buildFilters(schema, filters)
	if err != nil {
		return nil, err
	}

	orderBy := opt.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	if orderBy != "id" && orderBy != "created_at" {
		kind, ok := schema[orderBy]
		if !ok || kind == FieldCollection {
			return nil, fmt.Errorf("%w: cannot order by %q", ErrValidation, orderBy)
		}
	}
	direction := "ASC"
	if opt.OrderDesc {
		direction = "DESC"
	}

	limit := opt.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := opt.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ?%s ORDER BY %s %s LIMIT ? OFFSET ?",
		selectColumns(schema), quoteIdent(name), where, quoteIdent(orderBy), direction)
	queryArgs := append([]any{userID}, args...)
	queryArgs = append(queryArgs, limit, offset)

	records, err := scanRecords(ctx, s.reader, name, schema, query, queryArgs)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		delete(rec, "user_id")
	}
	return records, nil
}

// Count returns the number of records matching filters under this user.
func (s *Store) Count(ctx context.Context, userID, name string, filters map[string]any) (int64, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return 0, err
	}
	where, args, err := buildFilters(schema, filters)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = ?%s", quoteIdent(name), where)
	queryArgs := append([]any{userID}, args...)

	var count int64
	if err := s.reader.QueryRowContext(ctx, query, queryArgs...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return count, nil
}

// buildFilters renders the filter grammar: a boolean AND of field
// predicates, each one equality, LIKE, or JSON-array containment. The
// returned clause starts with " AND " when non-empty.
func buildFilters(schema Schema, filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var clauses []string
	var args []any
	for _, field := range fields {
		kind, ok := schema[field]
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown filter field %q", ErrValidation, field)
		}
		if kind == FieldCollection {
			return "", nil, fmt.Errorf("%w: cannot filter on collection field %q", ErrValidation, field)
		}

		value := filters[field]
		ops, isOps := value.(map[string]any)
		if !isOps {
			bv, err := bindValue(field, kind, value)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, quoteIdent(field)+" = ?")
			args = append(args, bv)
			continue
		}

		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)
		for _, op := range opNames {
			opValue := ops[op]
			switch op {
			case "$like":
				pattern, ok := opValue.(string)
				if !ok {
					return "", nil, fmt.Errorf("%w: $like on %q expects a string pattern", ErrValidation, field)
				}
				clauses = append(clauses, quoteIdent(field)+" LIKE ?")
				args = append(args, pattern)
			case "$contains":
				if kind != FieldJSON {
					return "", nil, fmt.Errorf("%w: $contains requires a json field, %q is %q", ErrValidation, field, kind)
				}
				bound, err := containsValue(field, opValue)
				if err != nil {
					return "", nil, err
				}
				clauses = append(clauses,
					fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", quoteIdent(field)))
				args = append(args, bound)
			default:
				return "", nil, fmt.Errorf("%w: unknown filter operator %q on field %q", ErrValidation, op, field)
			}
		}
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}

func containsValue(field string, v any) (any, error) {
	switch value := v.(type) {
	case string:
		return value, nil
	case bool:
		if value {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(value), nil
	case int64, float64:
		return value, nil
	default:
		return nil, fmt.Errorf("%w: $contains on %q expects a scalar, got %T", ErrValidation, field, v)
	}
}
