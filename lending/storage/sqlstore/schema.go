package sqlstore

import (
	"context"
	"embed"
	"errors"
	"strings"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// SchemaStatements returns the DDL statements that create the store's table for its dialect.
func (s *Store) SchemaStatements() ([]string, error) {
	file := "schema/postgres.sql"
	if s.dialect == DialectSQLite {
		file = "schema/sqlite.sql"
	}

	raw, err := schemaFiles.ReadFile(file)
	if err != nil {
		return nil, err
	}

	ddl := strings.ReplaceAll(string(raw), "{{table}}", s.tableName)

	var statements []string
	for _, statement := range strings.Split(ddl, ";") {
		if trimmed := strings.TrimSpace(statement); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}

	return statements, nil
}

// EnsureSchema creates the store's table and index if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements, err := s.SchemaStatements()
	if err != nil {
		return errors.Join(ErrSchemaFailed, err)
	}

	for _, statement := range statements {
		if _, execErr := s.db.Exec(ctx, statement); execErr != nil {
			s.logError(ctx, logMsgSchemaFailed, execErr, logAttrQuery, statement)
			return errors.Join(ErrSchemaFailed, execErr)
		}
	}

	s.logOperation(ctx, logActionSchema, logAttrTable, s.tableName, logAttrDialect, string(s.dialect))

	return nil
}
