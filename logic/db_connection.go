package logic

import (
	"database/sql"
	"os"

	_ "github.com/glebarez/go-sqlite"
)

// SQL-Queries als Konstanten definieren
const (
	createSettingsTable = `
		CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,       -- "config" oder "secrets"
			document TEXT NOT NULL,      -- JSON
			revision INTEGER NOT NULL
		);
	`

	createAuthTable = `
		CREATE TABLE IF NOT EXISTS auth (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			allow BOOLEAN NOT NULL
		);
	`

	createACLTable = `
		CREATE TABLE IF NOT EXISTS acl (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			topic TEXT NOT NULL,
			permission INTEGER NOT NULL,
			FOREIGN KEY(username) REFERENCES auth(username)
		);
	`

	upsertSettingQuery = `
		INSERT INTO settings (name, document, revision) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET document = excluded.document, revision = excluded.revision
	`

	selectSettingQuery  = `SELECT document, revision FROM settings WHERE name = ?`
	selectRevisionQuery = `SELECT COALESCE(MAX(revision), 0) FROM settings`
)

// InitDB initialisiert die SQLite-Datenbank mit einem übergebenen Pfad
func InitDB(dbPath string) (*sql.DB, error) {
	// Überprüfen, ob die Datenbankdatei existiert
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		// Datenbankdatei erstellen
		file, err := os.Create(dbPath)
		if err != nil {
			return nil, err
		}
		file.Close()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite verträgt nur einen Schreiber
	db.SetMaxOpenConns(1)

	tables := []string{
		createSettingsTable,
		createAuthTable,
		createACLTable,
	}

	// Tabellen erstellen
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}
