// Package targetdb manages pooled connections to customer MySQL databases.
// Pools are bounded per connection profile and opened lazily. Error values
// returned from this package never contain the DSN or credentials.
package targetdb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/security"
	"github.com/dbtune/backend/internal/store"
	"github.com/go-sql-driver/mysql"
)

// OpenFunc opens a database handle for a connection profile. Injectable so
// tests can substitute an embedded database for a real MySQL server.
type OpenFunc func(rec *store.ConnectionRecord, password string) (*sql.DB, error)

// Pool hands out one bounded *sql.DB per connection profile.
type Pool struct {
	mu           sync.Mutex
	dbs          map[string]*sql.DB
	connStore    *store.ConnectionStore
	cipher       *security.CredentialCipher
	open         OpenFunc
	maxOpenConns int
}

// NewPool creates a pool over the given profile store and credential cipher.
func NewPool(connStore *store.ConnectionStore, cipher *security.CredentialCipher, maxOpenConns int) *Pool {
	if maxOpenConns <= 0 {
		maxOpenConns = 4
	}
	return &Pool{
		dbs:          make(map[string]*sql.DB),
		connStore:    connStore,
		cipher:       cipher,
		open:         openMySQL,
		maxOpenConns: maxOpenConns,
	}
}

// SetOpenFunc replaces the driver open function. Test hook.
func (p *Pool) SetOpenFunc(open OpenFunc) {
	p.open = open
}

// DB returns the pooled handle for a connection profile, opening it on first
// use.
func (p *Pool) DB(ctx context.Context, connectionID string) (*sql.DB, error) {
	p.mu.Lock()
	if db, ok := p.dbs[connectionID]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	// Profile lookup and decryption happen outside the pool lock.
	rec, err := p.connStore.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NotFound("connection", connectionID)
	}

	password, err := p.cipher.Decrypt(rec.PasswordCiphertext, rec.PasswordNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for connection %s: %w", connectionID, err)
	}

	db, err := p.open(rec, password)
	if err != nil {
		return nil, &apperr.ExecutionError{Message: "failed to open target database: " + SanitizeError(err)}
	}
	db.SetMaxOpenConns(p.maxOpenConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.dbs[connectionID]; ok {
		// Lost the race; keep the first handle.
		db.Close()
		return existing, nil
	}
	p.dbs[connectionID] = db
	return db, nil
}

// Ping probes the target database and returns the round-trip latency.
func (p *Pool) Ping(ctx context.Context, connectionID string) (time.Duration, error) {
	db, err := p.DB(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return 0, &apperr.ExecutionError{Message: SanitizeError(err)}
	}
	return time.Since(start), nil
}

// Evict closes and forgets the handle for a profile, e.g. after the profile's
// credentials change.
func (p *Pool) Evict(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[connectionID]; ok {
		db.Close()
		delete(p.dbs, connectionID)
	}
}

// Close closes every pooled handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, db := range p.dbs {
		db.Close()
		delete(p.dbs, id)
	}
}

func openMySQL(rec *store.ConnectionRecord, password string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = rec.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
	cfg.DBName = rec.Database
	cfg.Timeout = 10 * time.Second
	cfg.ParseTime = true
	// One statement per Exec call; fixes are applied item by item.
	cfg.MultiStatements = false

	return sql.Open("mysql", cfg.FormatDSN())
}

// SanitizeError extracts a safe message from a driver error. MySQL errors
// carry number and message only; anything else falls back to the error text,
// which for this driver does not include the DSN.
func SanitizeError(err error) string {
	if mysqlErr, ok := err.(*mysql.MySQLError); ok {
		return fmt.Sprintf("mysql error %d: %s", mysqlErr.Number, mysqlErr.Message)
	}
	return err.Error()
}

// SQLStateOf returns the driver error number as a string for diagnostics, or
// "" when the error is not a MySQL server error.
func SQLStateOf(err error) string {
	if mysqlErr, ok := err.(*mysql.MySQLError); ok {
		return strconv.FormatUint(uint64(mysqlErr.Number), 10)
	}
	return ""
}
