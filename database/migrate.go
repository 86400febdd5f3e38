package database

import (
	"database/sql"
	"fmt"
)

var createTokensTableSQL = `
CREATE TABLE IF NOT EXISTS %s_tokens (
    processor_name  VARCHAR       NOT NULL,
    segment         INTEGER       NOT NULL,
    token           BYTEA,
    token_type      VARCHAR,
    owner           VARCHAR,
    timestamp       TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (processor_name, segment)
);`

// Migrate creates the tokens table for the given prefix.
func Migrate(db *sql.DB, tablePrefix string) error {
	if err := ValidateTablePrefix(tablePrefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	var query = fmt.Sprintf(createTokensTableSQL, tablePrefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tokens table: %w", err)
	}
	return nil
}
