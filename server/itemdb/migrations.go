package itemdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE item(
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			category TEXT NOT NULL,
			label_text TEXT,
			detector_type TEXT NOT NULL,
			barcode_value TEXT,
			barcode_format TEXT,
			confidence REAL NOT NULL,
			average_confidence REAL NOT NULL,
			box TEXT,
			box_area REAL NOT NULL,
			merge_count INT NOT NULL,
			source_count INT NOT NULL,
			first_seen_ms INT NOT NULL,
			last_seen_ms INT NOT NULL,
			emit_count INT NOT NULL,
			created_at INT NOT NULL,
			updated_at INT NOT NULL
		) WITHOUT ROWID;

		CREATE INDEX idx_item_session_id ON item (session_id);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_item_barcode_value ON item (barcode_value);
	`))

	return migs
}
