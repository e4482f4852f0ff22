package store

import (
	"database/sql"

	"github.com/BurntSushi/migration"
)

// we need to adapt the migration version functions to work with MySQL and QL.
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to create the version table if it is not already there
	CreateSQL string
	// SQL to get the version of this db, returns one row and one column,
	// which is NULL if no version has been recorded
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
}

// Get returns the schema version of the database, making the version table
// if needed.
func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	if _, err := tx.Exec(d.CreateSQL); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := tx.QueryRow(d.GetSQL).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// Set records that the given version has been applied.
func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.CreateSQL); err != nil {
		return err
	}
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func execlist(tx migration.LimitedTx, stms []string) error {
	for _, s := range stms {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
