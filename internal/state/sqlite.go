package state

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
	"github.com/daviddfraser-source/control-plane/internal/migrate"
)

// SQLiteStore keeps the document as a single-row payload in <root>/state.db.
// The DCL stays file-based either way; this backend only replaces where the
// state document lives.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the state database and applies
// pending migrations.
func OpenSQLite(root string) (*SQLiteStore, error) {
	path := filepath.Join(root, "state.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &SQLiteStore{db: conn, path: path}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Load() (*Document, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM state_document WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode state payload: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

func (s *SQLiteStore) Save(doc *Document) error {
	payload, err := fsx.MarshalStable(doc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO state_document(id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), doc.UpdatedAt)
	return err
}

func (s *SQLiteStore) Exists() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM state_document WHERE id = 1`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
