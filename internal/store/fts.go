package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// insertParentFTSRow indexes a record's indexable fields under child_id="".
// Collection columns are empty on the parent row; their items carry their
// own rows.
func insertParentFTSRow(ctx context.Context, tx *sql.Tx, name string, schema Schema, userID, id string, rec map[string]any) error {
	indexable := schema.indexableFields()
	if len(indexable) == 0 {
		return nil
	}
	cols := []string{"user_id", "parent_id", "child_id"}
	args := []any{userID, id, ""}
	for _, field := range indexable {
		cols = append(cols, quoteIdent(field))
		if schema[field] == FieldCollection {
			args = append(args, "")
			continue
		}
		args = append(args, ftsContent(schema[field], rec[field]))
	}
	return insertFTSRow(ctx, tx, name, cols, args)
}

// insertChildFTSRow indexes one collection item under
// child_id="{field}_{itemID}" with the serialized item in the field's
// column.
func insertChildFTSRow(ctx context.Context, tx *sql.Tx, name string, schema Schema, userID, parentID, field, itemID, itemJSON string) error {
	cols := []string{"user_id", "parent_id", "child_id"}
	args := []any{userID, parentID, field + "_" + itemID}
	for _, f := range schema.indexableFields() {
		cols = append(cols, quoteIdent(f))
		if f == field {
			args = append(args, itemJSON)
		} else {
			args = append(args, "")
		}
	}
	return insertFTSRow(ctx, tx, name, cols, args)
}

func insertFTSRow(ctx context.Context, tx *sql.Tx, name string, cols []string, args []any) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(ftsTable(name)), strings.Join(cols, ", "), placeholders)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("index into %s: %w", ftsTable(name), err)
	}
	return nil
}

func deleteParentFTSRow(ctx context.Context, tx *sql.Tx, name, userID, id string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE parent_id = ? AND child_id = '' AND user_id = ?",
			quoteIdent(ftsTable(name))),
		id, userID)
	if err != nil {
		return fmt.Errorf("deindex from %s: %w", ftsTable(name), err)
	}
	return nil
}

// matchString quotes the query as a prefix phrase so user input cannot
// inject FTS5 query syntax.
func matchString(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"*`
}

// FullTextSearch runs a two-phase search: distinct parent ids ranked by
// relevance from the store's FTS index, then the full records for those ids
// under the same user. Result order follows FTS rank.
func (s *Store) FullTextSearch(ctx context.Context, userID, name, query string, limit, offset int) ([]map[string]any, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrValidation)
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	phase1 := fmt.Sprintf(
		"SELECT parent_id FROM %s WHERE %s MATCH ? AND user_id = ? GROUP BY parent_id ORDER BY MIN(rank) LIMIT ? OFFSET ?",
		quoteIdent(ftsTable(name)), quoteIdent(ftsTable(name)))
	rows, err := s.reader.QueryContext(ctx, phase1, matchString(query), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ftsTable(name), err)
	}
	var parentIDs []string
	for rows.Next() {
		var parentID string
		if err := rows.Scan(&parentID); err != nil {
			rows.Close()
			return nil, err
		}
		parentIDs = append(parentIDs, parentID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	rows.Close()

	results := []map[string]any{}
	for _, parentID := range parentIDs {
		rec, err := selectRecord(ctx, s.reader, name, schema, userID, parentID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		delete(rec, "user_id")
		results = append(results, rec)
	}
	return results, nil
}
