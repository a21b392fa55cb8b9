package progress

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists records in a single local database file. This is the
// default store on devices; it must survive process restarts.
type SQLite struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS progress_records (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(id string) (Record, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM progress_records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLite) Save(rec Record) error {
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO progress_records (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		rec.ID, string(payload), rec.UpdatedAt)
	return err
}

func (s *SQLite) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM progress_records WHERE id = ?`, id)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
