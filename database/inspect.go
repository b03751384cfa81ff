package database

import (
	"errors"
	"os"
)

// InspectFeatures counts the feature records at path without opening a
// writer. A missing file counts zero.
func InspectFeatures(path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	db, err := OpenDatabase(path)
	if err != nil {
		return 0, storageErr("open", path, err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM features`).Scan(&n); err != nil {
		return 0, storageErr("count", path, err)
	}
	return n, nil
}

// InspectMatches counts all and valid match records at path without opening
// a writer. A missing file counts zero.
func InspectMatches(path string) (total, valid int, err error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	db, err := OpenDatabase(path)
	if err != nil {
		return 0, 0, storageErr("open", path, err)
	}
	defer db.Close()

	row := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(valid), 0) FROM matches`)
	if err := row.Scan(&total, &valid); err != nil {
		return 0, 0, storageErr("count", path, err)
	}
	return total, valid, nil
}
