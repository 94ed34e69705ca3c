package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// bindValue converts a caller-supplied value into its column representation,
// enforcing the declared kind.
func bindValue(field string, kind FieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case FieldText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects text, got %T", ErrValidation, field, v)
		}
		return s, nil
	case FieldInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%w: field %q expects integer, got %v", ErrValidation, field, n)
			}
			return int64(n), nil
		default:
			return nil, fmt.Errorf("%w: field %q expects integer, got %T", ErrValidation, field, v)
		}
	case FieldReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("%w: field %q expects real, got %T", ErrValidation, field, v)
		}
	case FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects bool, got %T", ErrValidation, field, v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case FieldJSON:
		if raw, ok := v.(json.RawMessage); ok {
			return string(raw), nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q is not JSON-serializable: %v", ErrValidation, field, err)
		}
		return string(encoded), nil
	default:
		return nil, fmt.Errorf("%w: field %q is a collection and is append-only", ErrValidation, field)
	}
}

// ftsContent renders a caller value as the FTS column content for its field.
func ftsContent(kind FieldKind, v any) string {
	if v == nil {
		return ""
	}
	switch kind {
	case FieldText:
		s, _ := v.(string)
		return s
	case FieldJSON:
		if raw, ok := v.(json.RawMessage); ok {
			return string(raw)
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return ""
	}
}

func selectColumns(schema Schema) string {
	cols := []string{"id", "user_id", "created_at"}
	for _, field := range schema.scalarFields() {
		cols = append(cols, quoteIdent(field))
	}
	return strings.Join(cols, ", ")
}

// scanRecords runs query and decodes each row into a record map. The map
// carries user_id; public entry points strip it before returning.
func scanRecords(ctx context.Context, q querier, name string, schema Schema, query string, args []any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	fields := schema.scalarFields()
	var records []map[string]any
	for rows.Next() {
		var id, userID, createdAt string
		dest := []any{&id, &userID, &createdAt}
		holders := make([]any, len(fields))
		for i, field := range fields {
			switch schema[field] {
			case FieldInteger, FieldBool:
				holders[i] = new(sql.NullInt64)
			case FieldReal:
				holders[i] = new(sql.NullFloat64)
			default:
				holders[i] = new(sql.NullString)
			}
			dest = append(dest, holders[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}

		rec := map[string]any{"id": id, "user_id": userID, "created_at": createdAt}
		for i, field := range fields {
			switch schema[field] {
			case FieldInteger:
				if h := holders[i].(*sql.NullInt64); h.Valid {
					rec[field] = h.Int64
				}
			case FieldBool:
				if h := holders[i].(*sql.NullInt64); h.Valid {
					rec[field] = h.Int64 != 0
				}
			case FieldReal:
				if h := holders[i].(*sql.NullFloat64); h.Valid {
					rec[field] = h.Float64
				}
			case FieldJSON:
				if h := holders[i].(*sql.NullString); h.Valid {
					var decoded any
					if err := json.Unmarshal([]byte(h.String), &decoded); err != nil {
						return nil, fmt.Errorf("decode %s.%s: %w", name, field, err)
					}
					rec[field] = decoded
				}
			default:
				if h := holders[i].(*sql.NullString); h.Valid {
					rec[field] = h.String
				}
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	return records, nil
}

func selectRecord(ctx context.Context, q querier, name string, schema Schema, userID, id string) (map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND user_id = ?",
		selectColumns(schema), quoteIdent(name))
	records, err := scanRecords(ctx, q, name, schema, query, []any{id, userID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Add inserts one record, assigning the id when recordID is empty, and
// indexes it for full-text search in the same transaction. Returns the
// record id.
func (s *Store) Add(ctx context.Context, userID, name string, data map[string]any, recordID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	schema, err := s.schema(ctx, name)
	if err != nil {
		return "", err
	}

	bound := map[string]any{}
	for field, v := range data {
		kind, ok := schema[field]
		if !ok {
			return "", fmt.Errorf("%w: unknown field %q in store %q", ErrValidation, field, name)
		}
		if kind == FieldCollection {
			if !emptyCollectionValue(v) {
				return "", fmt.Errorf("%w: collection field %q is append-only", ErrValidation, field)
			}
			continue
		}
		bv, err := bindValue(field, kind, v)
		if err != nil {
			return "", err
		}
		bound[field] = bv
	}

	id := recordID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := nowUTC()

	err = s.writeTx(ctx, func(tx *sql.Tx) error {
		cols := []string{"id", "user_id", "created_at"}
		args := []any{id, userID, createdAt}
		for _, field := range schema.scalarFields() {
			if bv, ok := bound[field]; ok {
				cols = append(cols, quoteIdent(field))
				args = append(args, bv)
			}
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(name), strings.Join(cols, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: record %q already exists in %q", ErrValidation, id, name)
			}
			return fmt.Errorf("insert into %s: %w", name, err)
		}
		return insertParentFTSRow(ctx, tx, name, schema, userID, id, data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns one record or nil when absent under this user. With
// loadCollections each json_collection field is materialized as an ordered
// list.
func (s *Store) Get(ctx context.Context, userID, name, id string, loadCollections bool) (map[string]any, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return nil, err
	}
	rec, err := selectRecord(ctx, s.reader, name, schema, userID, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if loadCollections {
		for _, field := range schema.fields() {
			if schema[field] != FieldCollection {
				continue
			}
			items, err := collectionItems(ctx, s.reader, name, field, id, -1, 0)
			if err != nil {
				return nil, err
			}
			rec[field] = items
		}
	}
	delete(rec, "user_id")
	return rec, nil
}

// Update rewrites non-collection fields of one record. With partial, only
// the supplied fields change; otherwise omitted scalar fields are cleared.
// The parent FTS row is deleted and reinserted with the new content inside
// the same transaction. Returns false when the record does not exist under
// this user.
func (s *Store) Update(ctx context.Context, userID, name, id string, updates map[string]any, partial bool) (bool, error) {
	if len(updates) == 0 {
		return false, fmt.Errorf("%w: no updates supplied", ErrValidation)
	}
	schema, err := s.schema(ctx, name)
	if err != nil {
		return false, err
	}

	bound := map[string]any{}
	for field, v := range updates {
		kind, ok := schema[field]
		if !ok {
			return false, fmt.Errorf("%w: unknown field %q in store %q", ErrValidation, field, name)
		}
		if kind == FieldCollection {
			return false, fmt.Errorf("%w: collection field %q is append-only", ErrValidation, field)
		}
		bv, err := bindValue(field, kind, v)
		if err != nil {
			return false, err
		}
		bound[field] = bv
	}

	updated := false
	err = s.writeTx(ctx, func(tx *sql.Tx) error {
		var sets []string
		var args []any
		for _, field := range schema.scalarFields() {
			if bv, ok := bound[field]; ok {
				sets = append(sets, quoteIdent(field)+" = ?")
				args = append(args, bv)
			} else if !partial {
				sets = append(sets, quoteIdent(field)+" = NULL")
			}
		}
		args = append(args, id, userID)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND user_id = ?",
			quoteIdent(name), strings.Join(sets, ", "))
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		updated = true

		rec, err := selectRecord(ctx, tx, name, schema, userID, id)
		if err != nil {
			return err
		}
		if err := deleteParentFTSRow(ctx, tx, name, userID, id); err != nil {
			return err
		}
		return insertParentFTSRow(ctx, tx, name, schema, userID, id, rec)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// Delete removes one record, its child rows (cascading) and every FTS row
// under its parent_id. Returns false when the record does not exist under
// this user.
func (s *Store) Delete(ctx context.Context, userID, name, id string) (bool, error) {
	if _, err := s.schema(ctx, name); err != nil {
		return false, err
	}
	deleted := false
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ? AND user_id = ?", quoteIdent(name)), id, userID)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE parent_id = ? AND user_id = ?", quoteIdent(ftsTable(name))),
			id, userID)
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func emptyCollectionValue(v any) bool {
	switch items := v.(type) {
	case nil:
		return true
	case []any:
		return len(items) == 0
	default:
		return false
	}
}
