package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database matches what the row store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables and indexes exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sheets":            "Lesson sheets",
		"sheet_rows":        "Row cells",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	exists, err := v.exists("index", "idx_sheets_position")
	if err != nil {
		return fmt.Errorf("error checking index idx_sheets_position: %w", err)
	}
	if !exists {
		return fmt.Errorf("required index idx_sheets_position does not exist")
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	if err := v.validateColumns("sheets", map[string]string{
		"id":         "INTEGER",
		"title":      "TEXT",
		"position":   "INTEGER",
		"created_at": "DATETIME",
	}); err != nil {
		return fmt.Errorf("sheets table structure invalid: %w", err)
	}

	if err := v.validateColumns("sheet_rows", map[string]string{
		"sheet_id":  "INTEGER",
		"row_index": "INTEGER",
		"cells":     "TEXT",
	}); err != nil {
		return fmt.Errorf("sheet_rows table structure invalid: %w", err)
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
