package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// FieldKind is the declared type of one store field.
type FieldKind string

const (
	FieldText       FieldKind = "text"
	FieldInteger    FieldKind = "integer"
	FieldReal       FieldKind = "real"
	FieldBool       FieldKind = "bool"
	FieldJSON       FieldKind = "json"
	FieldCollection FieldKind = "json_collection"
)

// Schema maps field names to kinds. Stored schemas are process-global; the
// user_id tenancy column is implicit and never part of a schema.
type Schema map[string]FieldKind

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Field names the store claims for itself.
var reservedFields = map[string]bool{
	"id":         true,
	"user_id":    true,
	"created_at": true,
	"rowid":      true,
}

func validIdent(name string) bool {
	return len(name) <= 64 && identPattern.MatchString(name) && !strings.HasPrefix(name, "sqlite_")
}

// Validate checks field names and kinds.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty schema", ErrValidation)
	}
	for name, kind := range s {
		if !validIdent(name) || reservedFields[name] {
			return fmt.Errorf("%w: invalid field name %q", ErrValidation, name)
		}
		switch kind {
		case FieldText, FieldInteger, FieldReal, FieldBool, FieldJSON, FieldCollection:
		default:
			return fmt.Errorf("%w: unknown kind %q for field %q", ErrValidation, kind, name)
		}
	}
	return nil
}

// fields returns all field names sorted, for deterministic SQL.
func (s Schema) fields() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scalarFields returns the sorted non-collection field names.
func (s Schema) scalarFields() []string {
	var names []string
	for _, name := range s.fields() {
		if s[name] != FieldCollection {
			names = append(names, name)
		}
	}
	return names
}

// indexableFields returns the sorted names indexed for full-text search:
// text, json and json_collection fields.
func (s Schema) indexableFields() []string {
	var names []string
	for _, name := range s.fields() {
		switch s[name] {
		case FieldText, FieldJSON, FieldCollection:
			names = append(names, name)
		}
	}
	return names
}

func (k FieldKind) columnType() string {
	switch k {
	case FieldInteger, FieldBool:
		return "INTEGER"
	case FieldReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func ftsTable(store string) string {
	return "fts_" + store
}

func childTable(store, field string) string {
	return store + "_" + field
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateStoreIfNotExists declares a store. It is idempotent: re-declaring an
// identical or subset schema is a no-op, additive fields alter the existing
// tables, and a kind change for a present field fails with ErrSchemaConflict.
func (s *Store) CreateStoreIfNotExists(ctx context.Context, name string, schema Schema) error {
	if !validIdent(name) {
		return fmt.Errorf("%w: invalid store name %q", ErrValidation, name)
	}
	if err := schema.Validate(); err != nil {
		return err
	}

	s.schemasMu.RLock()
	cached, ok := s.schemas[name]
	s.schemasMu.RUnlock()
	if ok {
		if conflict := schemaConflict(cached, schema); conflict != nil {
			return conflict
		}
		if !hasNewFields(cached, schema) {
			return nil
		}
	}

	var final Schema
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		existing, err := readSchema(ctx, tx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := createTables(ctx, tx, name, schema); err != nil {
				return err
			}
			schemaJSON, err := json.Marshal(schema)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO _stores (name, schema_json, created_at) VALUES (?, ?, ?)",
				name, string(schemaJSON), nowUTC())
			if err != nil {
				return err
			}
			final = schema
			return nil
		}

		if conflict := schemaConflict(existing, schema); conflict != nil {
			return conflict
		}

		merged, added := mergeSchemas(existing, schema)
		if len(added) == 0 {
			final = existing
			return nil
		}
		if err := addFields(ctx, tx, name, merged, added); err != nil {
			return err
		}
		schemaJSON, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE _stores SET schema_json = ? WHERE name = ?",
			string(schemaJSON), name); err != nil {
			return err
		}
		final = merged
		return nil
	})
	if err != nil {
		return err
	}

	s.schemasMu.Lock()
	s.schemas[name] = final
	s.schemasMu.Unlock()
	return nil
}

// schema resolves a declared schema, loading it from _stores when the cache
// misses (process restarts, stores declared by other components).
func (s *Store) schema(ctx context.Context, name string) (Schema, error) {
	s.schemasMu.RLock()
	sc, ok := s.schemas[name]
	s.schemasMu.RUnlock()
	if ok {
		return sc, nil
	}

	var schemaJSON string
	err := s.reader.QueryRowContext(ctx,
		"SELECT schema_json FROM _stores WHERE name = ?", name).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: store %q not declared", ErrValidation, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", name, err)
	}
	sc = Schema{}
	if err := json.Unmarshal([]byte(schemaJSON), &sc); err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", name, err)
	}

	s.schemasMu.Lock()
	s.schemas[name] = sc
	s.schemasMu.Unlock()
	return sc, nil
}

func readSchema(ctx context.Context, tx *sql.Tx, name string) (Schema, error) {
	var schemaJSON string
	err := tx.QueryRowContext(ctx,
		"SELECT schema_json FROM _stores WHERE name = ?", name).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc := Schema{}
	if err := json.Unmarshal([]byte(schemaJSON), &sc); err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", name, err)
	}
	return sc, nil
}

func schemaConflict(existing, declared Schema) error {
	for name, kind := range declared {
		if have, ok := existing[name]; ok && have != kind {
			return fmt.Errorf("%w: field %q is %q, declared %q", ErrSchemaConflict, name, have, kind)
		}
	}
	return nil
}

func hasNewFields(existing, declared Schema) bool {
	for name := range declared {
		if _, ok := existing[name]; !ok {
			return true
		}
	}
	return false
}

func mergeSchemas(existing, declared Schema) (Schema, []string) {
	merged := Schema{}
	for name, kind := range existing {
		merged[name] = kind
	}
	var added []string
	for name, kind := range declared {
		if _, ok := merged[name]; !ok {
			merged[name] = kind
			added = append(added, name)
		}
	}
	sort.Strings(added)
	return merged, added
}

func createTables(ctx context.Context, tx *sql.Tx, name string, schema Schema) error {
	var cols []string
	cols = append(cols,
		"id TEXT PRIMARY KEY",
		"user_id TEXT NOT NULL",
		"created_at TEXT NOT NULL")
	for _, field := range schema.scalarFields() {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(field), schema[field].columnType()))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id)",
		quoteIdent("idx_"+name+"_user_id"), quoteIdent(name))
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index for %s: %w", name, err)
	}

	for _, field := range schema.fields() {
		if schema[field] != FieldCollection {
			continue
		}
		if err := createChildTable(ctx, tx, name, field); err != nil {
			return err
		}
	}
	return createFTSTable(ctx, tx, name, schema)
}

func createChildTable(ctx context.Context, tx *sql.Tx, name, field string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		record_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
		order_index INTEGER NOT NULL,
		value_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (record_id, order_index)
	)`, quoteIdent(childTable(name, field)), quoteIdent(name))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create child table %s: %w", childTable(name, field), err)
	}
	return nil
}

func createFTSTable(ctx context.Context, tx *sql.Tx, name string, schema Schema) error {
	cols := []string{"user_id UNINDEXED", "parent_id UNINDEXED", "child_id UNINDEXED"}
	for _, field := range schema.indexableFields() {
		cols = append(cols, quoteIdent(field))
	}
	ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, tokenize='porter')",
		quoteIdent(ftsTable(name)), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create fts table for %s: %w", name, err)
	}
	return nil
}

// addFields applies additive schema changes: new scalar columns, new child
// tables, and a rebuild of the FTS table when its column set grows. FTS5 has
// no ALTER ADD COLUMN, so the virtual table is recreated and repopulated
// from the live rows inside the same transaction.
func addFields(ctx context.Context, tx *sql.Tx, name string, merged Schema, added []string) error {
	ftsChanged := false
	for _, field := range added {
		kind := merged[field]
		switch kind {
		case FieldCollection:
			if err := createChildTable(ctx, tx, name, field); err != nil {
				return err
			}
		default:
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quoteIdent(name), quoteIdent(field), kind.columnType())
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", name, field, err)
			}
		}
		switch kind {
		case FieldText, FieldJSON, FieldCollection:
			ftsChanged = true
		}
	}
	if !ftsChanged {
		return nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(ftsTable(name)))); err != nil {
		return fmt.Errorf("drop fts table for %s: %w", name, err)
	}
	if err := createFTSTable(ctx, tx, name, merged); err != nil {
		return err
	}
	return repopulateFTS(ctx, tx, name, merged)
}

func repopulateFTS(ctx context.Context, tx *sql.Tx, name string, schema Schema) error {
	records, err := scanRecords(ctx, tx, name, schema, "SELECT "+selectColumns(schema)+
		" FROM "+quoteIdent(name), nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		id, _ := rec["id"].(string)
		userID, _ := rec["user_id"].(string)
		if err := insertParentFTSRow(ctx, tx, name, schema, userID, id, rec); err != nil {
			return err
		}
	}

	for _, field := range schema.fields() {
		if schema[field] != FieldCollection {
			continue
		}
		q := fmt.Sprintf(
			"SELECT c.id, c.record_id, c.value_json, p.user_id FROM %s c JOIN %s p ON p.id = c.record_id",
			quoteIdent(childTable(name, field)), quoteIdent(name))
		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return fmt.Errorf("repopulate fts children for %s: %w", name, err)
		}
		type childRow struct{ id, recordID, valueJSON, userID string }
		var children []childRow
		for rows.Next() {
			var c childRow
			if err := rows.Scan(&c.id, &c.recordID, &c.valueJSON, &c.userID); err != nil {
				rows.Close()
				return err
			}
			children = append(children, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, c := range children {
			if err := insertChildFTSRow(ctx, tx, name, schema, c.userID, c.recordID, field, c.id, c.valueJSON); err != nil {
				return err
			}
		}
	}
	return nil
}
