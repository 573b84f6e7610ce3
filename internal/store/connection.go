package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbtune/backend/internal/model"
	"github.com/google/uuid"
)

// ConnectionRecord is a connection profile row, including the encrypted
// credential columns that never leave the store/targetdb boundary.
type ConnectionRecord struct {
	ID                 string
	Name               string
	Host               string
	Port               int
	Database           string
	Username           string
	PasswordCiphertext string
	PasswordNonce      string
	PasswordKeyID      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ToConnection strips credential material for API use.
func (r *ConnectionRecord) ToConnection() model.Connection {
	return model.Connection{
		ID:        r.ID,
		Name:      r.Name,
		Host:      r.Host,
		Port:      r.Port,
		Database:  r.Database,
		Username:  r.Username,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ConnectionStore handles connection profile persistence
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore creates a new ConnectionStore
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{db: DB}
}

const connectionColumns = "id, name, host, port, db_name, username, password_ciphertext, password_nonce, password_key_id, created_at, updated_at"

// Create inserts a new connection profile
func (s *ConnectionStore) Create(ctx context.Context, rec *ConnectionRecord) error {
	if rec.ID == "" {
		rec.ID = "conn-" + uuid.New().String()[:8]
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Host, rec.Port, rec.Database, rec.Username,
		rec.PasswordCiphertext, rec.PasswordNonce, rec.PasswordKeyID,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// Get retrieves a connection profile by ID, nil when absent
func (s *ConnectionStore) Get(ctx context.Context, id string) (*ConnectionRecord, error) {
	rec := &ConnectionRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections WHERE id = ?
	`, id).Scan(
		&rec.ID, &rec.Name, &rec.Host, &rec.Port, &rec.Database, &rec.Username,
		&rec.PasswordCiphertext, &rec.PasswordNonce, &rec.PasswordKeyID,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return rec, nil
}

// List returns all connection profiles ordered by name
func (s *ConnectionStore) List(ctx context.Context) ([]ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var items []ConnectionRecord
	for rows.Next() {
		var rec ConnectionRecord
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Host, &rec.Port, &rec.Database, &rec.Username,
			&rec.PasswordCiphertext, &rec.PasswordNonce, &rec.PasswordKeyID,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		items = append(items, rec)
	}
	if items == nil {
		items = []ConnectionRecord{}
	}
	return items, nil
}

// Update overwrites a connection profile
func (s *ConnectionStore) Update(ctx context.Context, rec *ConnectionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, host = ?, port = ?, db_name = ?, username = ?,
			password_ciphertext = ?, password_nonce = ?, password_key_id = ?, updated_at = ?
		WHERE id = ?
	`, rec.Name, rec.Host, rec.Port, rec.Database, rec.Username,
		rec.PasswordCiphertext, rec.PasswordNonce, rec.PasswordKeyID,
		rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("connection not found")
	}
	return nil
}

// Delete removes a connection profile
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// Exists reports whether a connection profile exists
func (s *ConnectionStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM connections WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return true, nil
}
