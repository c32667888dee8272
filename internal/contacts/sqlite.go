package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies any
// pending migrations. Use ":memory:" for a throwaway store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Open failed: %w", err)
	}
	// sqlite has a single writer, and each ":memory:" connection is its own database.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL mode failed: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runMigrations failed: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	current := 0

	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table failed: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version failed: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d failed: %w", m.version, err)
		}
	}

	return nil
}

const contactColumns = `email, name, has_pgp, pubkey, fingerprint, attested, native_client, last_check, last_use`

// Get returns the cached contact for email or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, email string) (*Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c,
		`SELECT `+contactColumns+` FROM contacts WHERE email = ?`,
		model.NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select contact failed: %w", err)
	}

	return &c, nil
}

// Save inserts or replaces a contact.
func (s *SQLiteStore) Save(ctx context.Context, c Contact) error {
	c.Email = model.NormalizeEmail(c.Email)
	if c.Email == "" {
		return errors.New("contact email is empty")
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO contacts (`+contactColumns+`)
		VALUES (:email, :name, :has_pgp, :pubkey, :fingerprint, :attested, :native_client, :last_check, :last_use)`,
		c)
	if err != nil {
		return fmt.Errorf("insert contact failed: %w", err)
	}

	return nil
}

// Update changes the non-nil fields of u on the contact for email. A missing
// contact is created first.
func (s *SQLiteStore) Update(ctx context.Context, email string, u Update) error {
	email = model.NormalizeEmail(email)

	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.HasPGP != nil {
		add("has_pgp", *u.HasPGP)
	}
	if u.Pubkey != nil {
		add("pubkey", *u.Pubkey)
	}
	if u.Fingerprint != nil {
		add("fingerprint", *u.Fingerprint)
	}
	if u.Attested != nil {
		add("attested", *u.Attested)
	}
	if u.NativeClient != nil {
		add("native_client", *u.NativeClient)
	}
	if u.LastCheck != nil {
		add("last_check", *u.LastCheck)
	}
	if u.LastUse != nil {
		add("last_use", *u.LastUse)
	}
	if len(sets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO contacts (email) VALUES (?)`, email); err != nil {
		return fmt.Errorf("insert contact failed: %w", err)
	}

	args = append(args, email)
	query := `UPDATE contacts SET ` + strings.Join(sets, ", ") + ` WHERE email = ?`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update contact failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx.Commit failed: %w", err)
	}

	return nil
}

// Search returns contacts whose email or name contains substring, most
// recently used first.
func (s *SQLiteStore) Search(ctx context.Context, substring string) ([]Contact, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(substring))) + "%"

	var out []Contact
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+contactColumns+` FROM contacts
		WHERE email LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\'
		ORDER BY last_use DESC, email ASC
		LIMIT 50`,
		pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("select contacts failed: %w", err)
	}

	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
