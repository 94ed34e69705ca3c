package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CollectionAppend appends one item to a record's json_collection field.
// The order index is assigned server-side as 1 + max(existing) inside the
// write transaction, so concurrent appends serialize through the single
// writer and receive distinct indices. The parent record itself is never
// rewritten. Returns the assigned order index.
func (s *Store) CollectionAppend(ctx context.Context, userID, name, id, field string, item any) (int64, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return 0, err
	}
	if schema[field] != FieldCollection {
		return 0, fmt.Errorf("%w: field %q of store %q is not a collection", ErrValidation, field, name)
	}
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("%w: collection item is not JSON-serializable: %v", ErrValidation, err)
	}

	var orderIndex int64
	err = s.writeTx(ctx, func(tx *sql.Tx) error {
		exists, err := parentExists(ctx, tx, name, userID, id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: record %q in store %q", ErrNotFound, id, name)
		}

		var max sql.NullInt64
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MAX(order_index) FROM %s WHERE record_id = ?", quoteIdent(childTable(name, field))),
			id).Scan(&max)
		if err != nil {
			return fmt.Errorf("max order index for %s: %w", childTable(name, field), err)
		}
		orderIndex = max.Int64 + 1

		itemID := uuid.NewString()
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (id, record_id, order_index, value_json, created_at) VALUES (?, ?, ?, ?, ?)",
				quoteIdent(childTable(name, field))),
			itemID, id, orderIndex, string(itemJSON), nowUTC())
		if err != nil {
			return fmt.Errorf("append to %s: %w", childTable(name, field), err)
		}
		return insertChildFTSRow(ctx, tx, name, schema, userID, id, field, itemID, string(itemJSON))
	})
	if err != nil {
		return 0, err
	}
	return orderIndex, nil
}

// CollectionGet returns a record's collection items in append order,
// paginated. Fails with ErrNotFound when the parent record does not exist
// under this user.
func (s *Store) CollectionGet(ctx context.Context, userID, name, id, field string, limit, offset int) ([]any, error) {
	schema, err := s.schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if schema[field] != FieldCollection {
		return nil, fmt.Errorf("%w: field %q of store %q is not a collection", ErrValidation, field, name)
	}

	exists, err := parentExists(ctx, s.reader, name, userID, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: record %q in store %q", ErrNotFound, id, name)
	}
	return collectionItems(ctx, s.reader, name, field, id, limit, offset)
}

func parentExists(ctx context.Context, q querier, name, userID, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ? AND user_id = ?", quoteIdent(name)),
		id, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check parent in %s: %w", name, err)
	}
	return true, nil
}

func collectionItems(ctx context.Context, q querier, name, field, id string, limit, offset int) ([]any, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT value_json FROM %s WHERE record_id = ? ORDER BY order_index ASC LIMIT ? OFFSET ?",
			quoteIdent(childTable(name, field))),
		id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", childTable(name, field), err)
	}
	defer rows.Close()

	items := []any{}
	for rows.Next() {
		var valueJSON string
		if err := rows.Scan(&valueJSON); err != nil {
			return nil, err
		}
		var item any
		if err := json.Unmarshal([]byte(valueJSON), &item); err != nil {
			return nil, fmt.Errorf("decode item in %s: %w", childTable(name, field), err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", childTable(name, field), err)
	}
	return items, nil
}
