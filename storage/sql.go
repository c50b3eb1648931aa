package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"xorkevin.dev/kerrors"

	"mailpipe/internal/message"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS email (
	uuid VARCHAR(37) PRIMARY KEY,
	from_addr VARCHAR(256) NOT NULL,
	to_addr VARCHAR(256) NOT NULL,
	subject VARCHAR(78) NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP NULL,
	last_attempt TIMESTAMP NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status VARCHAR(10) NOT NULL,
	status_code INTEGER NULL
)`

const columns = `uuid, from_addr, to_addr, subject, body, created_at, deleted_at, last_attempt, attempts, status, status_code`

// The WHERE clause is the deleted-row veto: an update only applies while the
// stored row is not DELETED, unless the new row is DELETED too.
const upsert = `INSERT INTO email (` + columns + `)
VALUES (:uuid, :from_addr, :to_addr, :subject, :body, :created_at, :deleted_at, :last_attempt, :attempts, :status, :status_code)
ON CONFLICT (uuid) DO UPDATE SET
	from_addr = excluded.from_addr,
	to_addr = excluded.to_addr,
	subject = excluded.subject,
	body = excluded.body,
	created_at = excluded.created_at,
	deleted_at = excluded.deleted_at,
	last_attempt = excluded.last_attempt,
	attempts = excluded.attempts,
	status = excluded.status,
	status_code = excluded.status_code
WHERE email.status <> 'DELETED' OR excluded.status = 'DELETED'`

const update = `UPDATE email SET
	from_addr = :from_addr,
	to_addr = :to_addr,
	subject = :subject,
	body = :body,
	created_at = :created_at,
	deleted_at = :deleted_at,
	last_attempt = :last_attempt,
	attempts = :attempts,
	status = :status,
	status_code = :status_code
WHERE uuid = :uuid AND (status <> 'DELETED' OR :status = 'DELETED')`

// SQL is a Store on a relational database through sqlx.
type SQL struct {
	db *sqlx.DB
}

// OpenSQL connects to the database. sqlite is limited to one connection so
// that in-memory databases are shared and writes do not contend.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, kerrors.WithKind(nil, ErrInvalid, fmt.Sprintf("Unsupported driver %q", driver))
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, kerrors.WithMsg(err, "Failed to connect to db")
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return &SQL{db: db}, nil
}

// NewSQL wraps an open connection.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

// Close closes the connection pool.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Migrate creates the email table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapDBErr(err, "Failed to create email table")
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*message.Message, error) {
	m := &message.Message{}
	q := s.db.Rebind(`SELECT ` + columns + ` FROM email WHERE uuid = ?`)
	if err := s.db.GetContext(ctx, m, q, id); err != nil {
		return nil, wrapDBErr(err, "Failed to get message")
	}
	return m, nil
}

func (s *SQL) Put(ctx context.Context, m *message.Message) error {
	if m == nil || m.ID == "" {
		return kerrors.WithKind(nil, ErrInvalid, "Message id required")
	}
	res, err := s.db.NamedExecContext(ctx, upsert, m)
	if err != nil {
		return wrapDBErr(err, "Failed to put message")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return kerrors.WithMsg(err, "Failed to get rows affected")
	}
	if rows == 0 {
		return kerrors.WithKind(nil, ErrDeleted, "Message was deleted")
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, m *message.Message) error {
	if m == nil || m.ID == "" {
		return kerrors.WithKind(nil, ErrInvalid, "Message id required")
	}
	res, err := s.db.NamedExecContext(ctx, update, m)
	if err != nil {
		return wrapDBErr(err, "Failed to update message")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return kerrors.WithMsg(err, "Failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}
	// Nothing matched: either the row is gone or it is DELETED.
	if _, err := s.Get(ctx, m.ID); err != nil {
		return err
	}
	return kerrors.WithKind(nil, ErrDeleted, "Message was deleted")
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	q := s.db.Rebind(`DELETE FROM email WHERE uuid = ?`)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return wrapDBErr(err, "Failed to delete message")
	}
	return nil
}

func (s *SQL) List(ctx context.Context, limit, offset int) ([]string, error) {
	if limit < 0 || offset < 0 {
		return nil, kerrors.WithKind(nil, ErrInvalid, "Limit and offset must not be negative")
	}
	ids := make([]string, 0)
	q := s.db.Rebind(`SELECT uuid FROM email ORDER BY created_at, uuid LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &ids, q, limit, offset); err != nil {
		return nil, wrapDBErr(err, "Failed to list messages")
	}
	return ids, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return kerrors.WithMsg(err, "Failed to ping db")
	}
	return nil
}

func wrapDBErr(err error, fallbackmsg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.WithKind(err, ErrNotFound, "Message not found")
	}
	var perr *pq.Error
	if errors.As(err, &perr) && perr.Code == "22001" { // string_data_right_truncation
		return kerrors.WithKind(err, ErrInvalid, "Field too long")
	}
	return kerrors.WithMsg(err, fallbackmsg)
}
