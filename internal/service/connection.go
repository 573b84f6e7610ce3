package service

import (
	"context"
	"strings"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/ctxutil"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/security"
	"github.com/dbtune/backend/internal/store"
	"github.com/dbtune/backend/internal/targetdb"
)

const defaultMySQLPort = 3306

// ConnectionService manages target-database connection profiles. Passwords
// are encrypted before they reach the store and are never returned to
// callers.
type ConnectionService struct {
	store  *store.ConnectionStore
	cipher *security.CredentialCipher
	pool   *targetdb.Pool
}

// NewConnectionService creates a new ConnectionService
func NewConnectionService(connStore *store.ConnectionStore, cipher *security.CredentialCipher, pool *targetdb.Pool) *ConnectionService {
	return &ConnectionService{store: connStore, cipher: cipher, pool: pool}
}

// Create registers a new connection profile.
func (s *ConnectionService) Create(ctx context.Context, req *model.CreateConnectionRequest) (*model.Connection, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.Validation("name", "name is required")
	}
	port := req.Port
	if port == 0 {
		port = defaultMySQLPort
	}
	if port < 1 || port > 65535 {
		return nil, apperr.Validation("port", "port must be between 1 and 65535")
	}

	ciphertext, nonce, keyID, err := s.cipher.Encrypt(req.Password)
	if err != nil {
		return nil, err
	}

	rec := &store.ConnectionRecord{
		Name:               strings.TrimSpace(req.Name),
		Host:               strings.TrimSpace(req.Host),
		Port:               port,
		Database:           strings.TrimSpace(req.Database),
		Username:           req.Username,
		PasswordCiphertext: ciphertext,
		PasswordNonce:      nonce,
		PasswordKeyID:      keyID,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	conn := rec.ToConnection()
	return &conn, nil
}

// Get returns one profile without credential material.
func (s *ConnectionService) Get(ctx context.Context, id string) (*model.Connection, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NotFound("connection", id)
	}
	conn := rec.ToConnection()
	return &conn, nil
}

// List returns every profile without credential material.
func (s *ConnectionService) List(ctx context.Context) (*model.ConnectionListResponse, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]model.Connection, 0, len(records))
	for i := range records {
		items = append(items, records[i].ToConnection())
	}
	return &model.ConnectionListResponse{Items: items}, nil
}

// Update edits a profile. An empty password keeps the stored credential; a
// new one is re-encrypted. The pooled handle is evicted either way so the
// next execution picks up the changes.
func (s *ConnectionService) Update(ctx context.Context, id string, req *model.UpdateConnectionRequest) (*model.Connection, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NotFound("connection", id)
	}

	if req.Name != "" {
		rec.Name = strings.TrimSpace(req.Name)
	}
	if req.Host != "" {
		rec.Host = strings.TrimSpace(req.Host)
	}
	if req.Port != 0 {
		if req.Port < 1 || req.Port > 65535 {
			return nil, apperr.Validation("port", "port must be between 1 and 65535")
		}
		rec.Port = req.Port
	}
	if req.Database != "" {
		rec.Database = strings.TrimSpace(req.Database)
	}
	if req.Username != "" {
		rec.Username = req.Username
	}
	if req.Password != "" {
		ciphertext, nonce, keyID, err := s.cipher.Encrypt(req.Password)
		if err != nil {
			return nil, err
		}
		rec.PasswordCiphertext = ciphertext
		rec.PasswordNonce = nonce
		rec.PasswordKeyID = keyID
	}

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.pool.Evict(id)

	conn := rec.ToConnection()
	return &conn, nil
}

// Delete removes a profile and closes its pooled handle.
func (s *ConnectionService) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.NotFound("connection", id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.pool.Evict(id)
	return nil
}

// Test probes connectivity to the target database.
func (s *ConnectionService) Test(ctx context.Context, id string) *model.ConnectionTestResponse {
	latency, err := s.pool.Ping(ctx, id)
	if err != nil {
		return &model.ConnectionTestResponse{OK: false, Error: err.Error()}
	}
	return &model.ConnectionTestResponse{OK: true, LatencyMs: latency.Milliseconds()}
}

// actorFrom resolves the acting operator recorded on audit entries and
// execution history.
func actorFrom(ctx context.Context) string {
	return ctxutil.ActorFromContext(ctx)
}
