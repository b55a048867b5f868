package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// securedDirPerm and securedFilePerm mirror original_source's
// sqlite_util.rs: the journal directory is private to its owner, and the
// database file (plus its WAL/SHM sidecars) holds no group or other
// permission bits, since stream/tool journals can carry tool output and
// conversation content.
const (
	securedDirPerm  = 0o700
	securedFilePerm = 0o600
)

// ensureSecureDir creates dir (and parents) if missing, then tightens its
// mode to 0700 — but only when dir is already owned by the current
// process's uid, matching the original's refusal to silently chmod a
// directory it doesn't own.
func ensureSecureDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, securedDirPerm); err != nil {
			return fmt.Errorf("journal: creating %s: %w", dir, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("journal: %s exists and is not a directory", dir)
	}
	if ownedByCurrentUser(info) {
		if err := os.Chmod(dir, securedDirPerm); err != nil {
			return fmt.Errorf("journal: tightening permissions on %s: %w", dir, err)
		}
	}
	return nil
}

// sqliteSidecarPaths returns the -wal and -shm paths SQLite creates
// alongside dbPath in WAL mode.
func sqliteSidecarPaths(dbPath string) (wal string, shm string) {
	return dbPath + "-wal", dbPath + "-shm"
}

// ensureSecureDBFiles tightens the database file and any existing WAL/SHM
// sidecars to 0600, unconditionally — unlike the directory check, these are
// always files this process just created or owns exclusively.
func ensureSecureDBFiles(dbPath string) error {
	if err := tightenIfExists(dbPath); err != nil {
		return err
	}
	wal, shm := sqliteSidecarPaths(dbPath)
	if err := tightenIfExists(wal); err != nil {
		return err
	}
	if err := tightenIfExists(shm); err != nil {
		return err
	}
	return nil
}

func tightenIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: stat %s: %w", path, err)
	}
	if err := os.Chmod(path, securedFilePerm); err != nil {
		return fmt.Errorf("journal: tightening permissions on %s: %w", path, err)
	}
	return nil
}

// openSecureDB ensures path's parent directory and any pre-existing
// database files are locked down, creates the database file itself with
// 0600 if absent, opens it via modernc.org/sqlite, enables WAL mode, and
// tightens the resulting sidecar files once more (SQLite creates -wal/-shm
// lazily on first write, so an initial tighten before open can't cover
// them).
func openSecureDB(path string) (*sql.DB, error) {
	if err := ensureSecureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := ensureSecureDBFiles(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, securedFilePerm)
		if err != nil {
			return nil, fmt.Errorf("journal: creating %s: %w", path, err)
		}
		f.Close()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enabling WAL mode on %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enabling foreign keys on %s: %w", path, err)
	}
	if err := ensureSecureDBFiles(path); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
