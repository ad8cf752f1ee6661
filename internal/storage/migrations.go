package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrations returns the ordered migration set.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			SQLFile: "001_initial.sql",
			Applied: func(ctx context.Context, q querier) (bool, error) {
				for _, table := range []string{"manifests", "soft_bindings"} {
					ok, err := tableExists(ctx, q, table)
					if err != nil || !ok {
						return false, err
					}
				}
				return true, nil
			},
		},
		{
			Version:            2,
			Name:               "manifest_id_nullable",
			DisableForeignKeys: true,
			Applied: func(ctx context.Context, q querier) (bool, error) {
				cols, err := tableColumns(ctx, q, "manifests")
				if err != nil {
					return false, err
				}
				c, ok := cols["manifest_id"]
				return ok && !c.NotNull, nil
			},
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return rewriteTable(ctx, tx, tableRewrite{
					Table: "manifests",
					CreateSQL: `CREATE TABLE %s (
						id                 INTEGER PRIMARY KEY AUTOINCREMENT,
						manifest_tx_id     TEXT    NOT NULL UNIQUE,
						manifest_id        TEXT    UNIQUE,
						content_type       TEXT    NOT NULL,
						phash              TEXT    NOT NULL,
						phash_bits         INTEGER NOT NULL,
						phash_hex          TEXT,
						has_prior_manifest INTEGER NOT NULL DEFAULT 0,
						claim_generator    TEXT    NOT NULL DEFAULT '',
						owner_address      TEXT    NOT NULL DEFAULT '',
						block_height       INTEGER,
						block_timestamp    INTEGER,
						indexed_at         TEXT    NOT NULL
					)`,
					Columns: []string{
						"id", "manifest_tx_id", "manifest_id", "content_type", "phash", "phash_bits",
						"phash_hex", "has_prior_manifest", "claim_generator", "owner_address",
						"block_height", "block_timestamp", "indexed_at",
					},
					Indexes: manifestIndexes,
				})
			},
		},
		{
			Version:            3,
			Name:               "drop_phash_hex",
			DisableForeignKeys: true,
			Applied: func(ctx context.Context, q querier) (bool, error) {
				cols, err := tableColumns(ctx, q, "manifests")
				if err != nil {
					return false, err
				}
				_, ok := cols["phash_hex"]
				return !ok, nil
			},
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return rewriteTable(ctx, tx, tableRewrite{
					Table: "manifests",
					CreateSQL: `CREATE TABLE %s (
						id                 INTEGER PRIMARY KEY AUTOINCREMENT,
						manifest_tx_id     TEXT    NOT NULL UNIQUE,
						manifest_id        TEXT    UNIQUE,
						content_type       TEXT    NOT NULL,
						phash              TEXT    NOT NULL,
						phash_bits         INTEGER NOT NULL,
						has_prior_manifest INTEGER NOT NULL DEFAULT 0,
						claim_generator    TEXT    NOT NULL DEFAULT '',
						owner_address      TEXT    NOT NULL DEFAULT '',
						block_height       INTEGER,
						block_timestamp    INTEGER,
						indexed_at         TEXT    NOT NULL
					)`,
					Columns: []string{
						"id", "manifest_tx_id", "manifest_id", "content_type", "phash", "phash_bits",
						"has_prior_manifest", "claim_generator", "owner_address",
						"block_height", "block_timestamp", "indexed_at",
					},
					Drop:    []string{"phash_hex"},
					Indexes: manifestIndexes,
				})
			},
		},
		{
			Version: 4,
			Name:    "add_provenance_columns",
			Applied: func(ctx context.Context, q querier) (bool, error) {
				missing, err := missingColumns(ctx, q, "manifests", provenanceColumns)
				return len(missing) == 0, err
			},
			Up: func(ctx context.Context, tx *sql.Tx) error {
				missing, err := missingColumns(ctx, tx, "manifests", provenanceColumns)
				if err != nil {
					return err
				}
				for _, col := range missing {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE manifests ADD COLUMN %s TEXT`, col)); err != nil {
						return fmt.Errorf("add column %s: %w", col, err)
					}
				}
				return nil
			},
		},
	}
}

var manifestIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_manifests_block_height ON manifests (block_height)`,
	`CREATE INDEX IF NOT EXISTS idx_manifests_owner ON manifests (owner_address)`,
}

var provenanceColumns = []string{"original_hash", "asset_content_type"}

func missingColumns(ctx context.Context, q querier, table string, want []string) ([]string, error) {
	cols, err := tableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, c := range want {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing, nil
}
