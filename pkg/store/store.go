// Package store is the SQLite metadata repository. It owns every record
// mutation so that invariants around sharing state (shared implies a token
// and a consistent expiry, private implies neither) live in one place.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// File is a stored object's metadata record. Owner files live in the files
// table; folder-owned files live in shared_files with UserID unset.
type File struct {
	ID            string
	UserID        int64
	FolderID      int64
	FileName      string
	Path          string
	Size          int64
	SHA256        string
	Tags          string
	IsShared      bool
	Token         string
	ExpirationSec int64
	ExpiresAt     int64
	CreatedAt     time.Time
}

// SharedFolder is a group-access container gating its members' files.
type SharedFolder struct {
	ID         int64
	Name       string
	WebhookURL string
}

// Store wraps the SQLite database holding all metadata.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		file_name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		tags TEXT DEFAULT '',
		is_shared INTEGER DEFAULT 0,
		token TEXT,
		expiration_sec INTEGER DEFAULT 86400,
		expires_at INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS shared_folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		webhook_url TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS shared_folder_members (
		folder_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (folder_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS shared_files (
		id TEXT PRIMARY KEY,
		folder_id INTEGER NOT NULL,
		user_id INTEGER,
		file_name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		tags TEXT DEFAULT '',
		is_shared INTEGER DEFAULT 0,
		token TEXT,
		expiration_sec INTEGER DEFAULT 86400,
		expires_at INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_files_user ON files(user_id);
	CREATE INDEX IF NOT EXISTS idx_shared_files_folder ON shared_files(folder_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(name string) (int64, error) {
	res, err := s.db.Exec("INSERT INTO users (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

// UserExists reports whether a user row exists.
func (s *Store) UserExists(id int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

// DeleteUser removes a user row. Files it owned become orphans until the
// next sweep.
func (s *Store) DeleteUser(id int64) error {
	_, err := s.db.Exec("DELETE FROM users WHERE id = ?", id)
	return err
}

// CreateSharedFolder inserts a shared folder and returns its id.
func (s *Store) CreateSharedFolder(name, webhookURL string) (int64, error) {
	res, err := s.db.Exec("INSERT INTO shared_folders (name, webhook_url) VALUES (?, ?)", name, webhookURL)
	if err != nil {
		return 0, fmt.Errorf("failed to create shared folder: %w", err)
	}
	return res.LastInsertId()
}

// GetSharedFolder returns one shared folder record.
func (s *Store) GetSharedFolder(id int64) (*SharedFolder, error) {
	f := &SharedFolder{}
	err := s.db.QueryRow(
		"SELECT id, name, webhook_url FROM shared_folders WHERE id = ?", id,
	).Scan(&f.ID, &f.Name, &f.WebhookURL)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// AddMember grants a user membership of a shared folder.
func (s *Store) AddMember(folderID, userID int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO shared_folder_members (folder_id, user_id) VALUES (?, ?)",
		folderID, userID,
	)
	return err
}

// IsMember reports whether userID belongs to folderID.
func (s *Store) IsMember(folderID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM shared_folder_members WHERE folder_id = ? AND user_id = ?)",
		folderID, userID,
	).Scan(&exists)
	return exists, err
}

// AddFile registers an owner file created at upload completion.
func (s *Store) AddFile(f *File) error {
	_, err := s.db.Exec(
		`INSERT INTO files (id, user_id, file_name, path, size, sha256, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.FileName, f.Path, f.Size, f.SHA256, f.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to add file: %w", err)
	}
	return nil
}

// AddSharedFile registers a folder-owned file.
func (s *Store) AddSharedFile(f *File) error {
	uploader := sql.NullInt64{Int64: f.UserID, Valid: f.UserID != 0}
	_, err := s.db.Exec(
		`INSERT INTO shared_files (id, folder_id, user_id, file_name, path, size, sha256, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.FolderID, uploader, f.FileName, f.Path, f.Size, f.SHA256, f.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to add shared file: %w", err)
	}
	return nil
}

func scanFile(row *sql.Row, shared bool) (*File, error) {
	f := &File{}
	var tok sql.NullString
	var uploader sql.NullInt64
	var err error
	if shared {
		err = row.Scan(&f.ID, &f.FolderID, &uploader, &f.FileName, &f.Path, &f.Size,
			&f.SHA256, &f.Tags, &f.IsShared, &tok, &f.ExpirationSec, &f.ExpiresAt, &f.CreatedAt)
		f.UserID = uploader.Int64
	} else {
		err = row.Scan(&f.ID, &f.UserID, &f.FileName, &f.Path, &f.Size,
			&f.SHA256, &f.Tags, &f.IsShared, &tok, &f.ExpirationSec, &f.ExpiresAt, &f.CreatedAt)
	}
	if err != nil {
		return nil, err
	}
	f.Token = tok.String
	return f, nil
}

// GetFile returns one owner file record, or sql.ErrNoRows.
func (s *Store) GetFile(id string) (*File, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, file_name, path, size, sha256, tags, is_shared,
		        token, expiration_sec, expires_at, created_at
		 FROM files WHERE id = ?`, id)
	return scanFile(row, false)
}

// GetSharedFile returns one folder-owned file record, or sql.ErrNoRows.
func (s *Store) GetSharedFile(id string) (*File, error) {
	row := s.db.QueryRow(
		`SELECT id, folder_id, user_id, file_name, path, size, sha256, tags, is_shared,
		        token, expiration_sec, expires_at, created_at
		 FROM shared_files WHERE id = ?`, id)
	return scanFile(row, true)
}

// ListFiles returns the files owned by userID, newest first.
func (s *Store) ListFiles(userID int64) ([]*File, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, file_name, path, size, sha256, tags, is_shared,
		        token, expiration_sec, expires_at, created_at
		 FROM files WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows, false)
}

// ListFolderFiles returns the files in a shared folder, newest first.
func (s *Store) ListFolderFiles(folderID int64) ([]*File, error) {
	rows, err := s.db.Query(
		`SELECT id, folder_id, user_id, file_name, path, size, sha256, tags, is_shared,
		        token, expiration_sec, expires_at, created_at
		 FROM shared_files WHERE folder_id = ? ORDER BY created_at DESC`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows, true)
}

func collectFiles(rows *sql.Rows, shared bool) ([]*File, error) {
	var files []*File
	for rows.Next() {
		f := &File{}
		var tok sql.NullString
		var uploader sql.NullInt64
		var err error
		if shared {
			err = rows.Scan(&f.ID, &f.FolderID, &uploader, &f.FileName, &f.Path, &f.Size,
				&f.SHA256, &f.Tags, &f.IsShared, &tok, &f.ExpirationSec, &f.ExpiresAt, &f.CreatedAt)
			f.UserID = uploader.Int64
		} else {
			err = rows.Scan(&f.ID, &f.UserID, &f.FileName, &f.Path, &f.Size,
				&f.SHA256, &f.Tags, &f.IsShared, &tok, &f.ExpirationSec, &f.ExpiresAt, &f.CreatedAt)
		}
		if err != nil {
			return nil, err
		}
		f.Token = tok.String
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateTags stores the classification result for an owner file.
func (s *Store) UpdateTags(id, tags string) error {
	_, err := s.db.Exec("UPDATE files SET tags = ? WHERE id = ?", tags, id)
	return err
}

// UpdateSharedTags stores the classification result for a folder-owned file.
func (s *Store) UpdateSharedTags(id, tags string) error {
	_, err := s.db.Exec("UPDATE shared_files SET tags = ? WHERE id = ?", tags, id)
	return err
}

// SetShared atomically turns sharing on: token, expiration policy and
// absolute expiry are written together so a shared row always carries a
// consistent triple.
func (s *Store) SetShared(id, tok string, expirationSec, expiresAt int64, shared bool) error {
	table := "files"
	if shared {
		table = "shared_files"
	}
	res, err := s.db.Exec(
		"UPDATE "+table+" SET is_shared = 1, token = ?, expiration_sec = ?, expires_at = ? WHERE id = ?",
		tok, expirationSec, expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set shared: %w", err)
	}
	return requireRow(res)
}

// ClearShared atomically turns sharing off, dropping the token and expiry.
func (s *Store) ClearShared(id string, expirationSec int64, shared bool) error {
	table := "files"
	if shared {
		table = "shared_files"
	}
	res, err := s.db.Exec(
		"UPDATE "+table+" SET is_shared = 0, token = NULL, expiration_sec = ?, expires_at = 0 WHERE id = ?",
		expirationSec, id,
	)
	if err != nil {
		return fmt.Errorf("failed to clear shared: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RevokeExpiredShares flips every share whose expiry has passed back to
// private, in both tables.
func (s *Store) RevokeExpiredShares(now int64) error {
	if _, err := s.db.Exec(
		"UPDATE files SET is_shared = 0, token = NULL, expires_at = 0 WHERE is_shared = 1 AND expires_at != 0 AND expires_at < ?",
		now,
	); err != nil {
		return fmt.Errorf("failed to revoke expired shares: %w", err)
	}
	if _, err := s.db.Exec(
		"UPDATE shared_files SET is_shared = 0, token = NULL, expires_at = 0 WHERE is_shared = 1 AND expires_at != 0 AND expires_at < ?",
		now,
	); err != nil {
		return fmt.Errorf("failed to revoke expired folder shares: %w", err)
	}
	return nil
}

// DeleteFile removes an owner file record.
func (s *Store) DeleteFile(id string) error {
	_, err := s.db.Exec("DELETE FROM files WHERE id = ?", id)
	return err
}

// DeleteSharedFile removes a folder-owned file record.
func (s *Store) DeleteSharedFile(id string) error {
	_, err := s.db.Exec("DELETE FROM shared_files WHERE id = ?", id)
	return err
}

// OrphanedFiles returns owner files whose user row no longer exists.
func (s *Store) OrphanedFiles() ([]*File, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, file_name, path, size, sha256, tags, is_shared,
		        token, expiration_sec, expires_at, created_at
		 FROM files WHERE user_id NOT IN (SELECT id FROM users)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows, false)
}

// LivePaths returns the storage paths referenced by any live record, owned
// or folder-owned. The garbage collector snapshots this before walking the
// data directory so a concurrent upload is never swept.
func (s *Store) LivePaths() (map[string]struct{}, error) {
	paths := make(map[string]struct{})
	for _, q := range []string{
		"SELECT path FROM files",
		"SELECT path FROM shared_files",
	} {
		rows, err := s.db.Query(q)
		if err != nil {
			return nil, fmt.Errorf("failed to query live paths: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			paths[p] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return paths, nil
}
