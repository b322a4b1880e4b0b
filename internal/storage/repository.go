package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/ramp"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const uniqueViolation = "23505"

const requestColumns = `id,
        type,
        status,
        user_address,
        bob_amount::text,
        bobt_amount::text,
        exchange_rate::text,
        fee_amount::text,
        bank_reference,
        user_bank_account,
        user_bank_name,
        tx_hash,
        proposal_id,
        verified_by,
        notes,
        created_at,
        updated_at,
        expires_at,
        completed_at`

const (
	insertRequestSQL = `INSERT INTO ramp_requests (
        id,
        type,
        status,
        user_address,
        bob_amount,
        bobt_amount,
        exchange_rate,
        fee_amount,
        bank_reference,
        user_bank_account,
        user_bank_name,
        tx_hash,
        proposal_id,
        verified_by,
        notes,
        created_at,
        updated_at,
        expires_at,
        completed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
    );`

	getRequestSQL = `SELECT ` + requestColumns + `
    FROM ramp_requests
    WHERE id = $1;`

	updateRequestIfStatusSQL = `UPDATE ramp_requests
    SET
        status            = $3,
        bob_amount        = $4,
        bobt_amount       = $5,
        exchange_rate     = $6,
        fee_amount        = $7,
        bank_reference    = $8,
        user_bank_account = $9,
        user_bank_name    = $10,
        tx_hash           = $11,
        proposal_id       = $12,
        verified_by       = $13,
        notes             = $14,
        updated_at        = $15,
        expires_at        = $16,
        completed_at      = $17
    WHERE id = $1
      AND status = $2;`

	requestExistsSQL = `SELECT EXISTS (SELECT 1 FROM ramp_requests WHERE id = $1);`

	listRequestsByUserSQL = `SELECT ` + requestColumns + `
    FROM ramp_requests
    WHERE lower(user_address) = lower($1)
    ORDER BY created_at DESC, id;`

	listRequestsByStatusSQL = `SELECT ` + requestColumns + `
    FROM ramp_requests
    WHERE status = ANY($1)
    ORDER BY created_at DESC, id;`

	findRequestByReferenceSQL = `SELECT ` + requestColumns + `
    FROM ramp_requests
    WHERE lower(bank_reference) = lower($1);`

	listRecentRequestsSQL = `SELECT ` + requestColumns + `
    FROM ramp_requests
    ORDER BY created_at DESC, id
    LIMIT $1;`

	insertOracleUpdateSQL = `INSERT INTO oracle_updates (
        bucket_ts,
        observed_at,
        ask,
        bid,
        mid,
        sources,
        status,
        attempts,
        tx_hash,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	oracleUpdateColumns = `id,
        bucket_ts,
        observed_at,
        ask::text,
        bid::text,
        mid::text,
        sources,
        status,
        attempts,
        tx_hash,
        reason,
        created_at`

	listOracleUpdatesBetweenSQL = `SELECT ` + oracleUpdateColumns + `
    FROM oracle_updates
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, id;`

	listRecentOracleUpdatesSQL = `SELECT ` + oracleUpdateColumns + `
    FROM oracle_updates
    ORDER BY bucket_ts DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OracleHistory persists oracle push runs.
type OracleHistory interface {
	InsertOracleUpdate(ctx context.Context, update OracleUpdate) (OracleUpdate, error)
	ListOracleUpdatesBetween(ctx context.Context, from, to time.Time) ([]OracleUpdate, error)
	ListRecentOracleUpdates(ctx context.Context, limit int) ([]OracleUpdate, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to ramp requests and oracle history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Create inserts a new request. A clashing id or bank reference yields ramp.ErrDuplicateRequest.
func (s *Store) Create(ctx context.Context, req ramp.Request) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertRequestSQL,
		req.ID,
		string(req.Type),
		string(req.Status),
		req.UserAddress,
		req.BobAmount.String(),
		req.BobtAmount.String(),
		req.ExchangeRate.String(),
		req.FeeAmount.String(),
		nullable(req.BankReference),
		nullable(req.UserBankAccount),
		nullable(req.UserBankName),
		nullable(req.TxHash),
		nullable(req.ProposalID),
		nullable(req.VerifiedBy),
		nullable(req.Notes),
		req.CreatedAt,
		req.UpdatedAt,
		req.ExpiresAt,
		req.CompletedAt,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolation {
			return ramp.ErrDuplicateRequest
		}
		return fmt.Errorf("insert ramp request: %w", execErr)
	}
	return nil
}

// Get loads a request by id.
func (s *Store) Get(ctx context.Context, id string) (ramp.Request, error) {
	pool, err := s.getPool()
	if err != nil {
		return ramp.Request{}, err
	}
	req, err := scanRequest(pool.QueryRow(ctx, getRequestSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ramp.Request{}, ramp.ErrNotFound
	}
	if err != nil {
		return ramp.Request{}, fmt.Errorf("get ramp request: %w", err)
	}
	return req, nil
}

// UpdateIfStatus writes next only while the stored status still equals expected.
// The status predicate in the WHERE clause makes the swap atomic.
func (s *Store) UpdateIfStatus(ctx context.Context, next ramp.Request, expected ramp.Status) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateRequestIfStatusSQL,
		next.ID,
		string(expected),
		string(next.Status),
		next.BobAmount.String(),
		next.BobtAmount.String(),
		next.ExchangeRate.String(),
		next.FeeAmount.String(),
		nullable(next.BankReference),
		nullable(next.UserBankAccount),
		nullable(next.UserBankName),
		nullable(next.TxHash),
		nullable(next.ProposalID),
		nullable(next.VerifiedBy),
		nullable(next.Notes),
		next.UpdatedAt,
		next.ExpiresAt,
		next.CompletedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update ramp request: %w", execErr)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := pool.QueryRow(ctx, requestExistsSQL, next.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check ramp request: %w", err)
	}
	if !exists {
		return ramp.ErrNotFound
	}
	return ramp.ErrStatusConflict
}

// ListByUser lists a user's requests newest first.
func (s *Store) ListByUser(ctx context.Context, address string) ([]ramp.Request, error) {
	return s.queryRequests(ctx, "list requests by user", listRequestsByUserSQL, address)
}

// ListByStatus lists requests in any of the given statuses newest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...ramp.Status) ([]ramp.Request, error) {
	return s.queryRequests(ctx, "list requests by status", listRequestsByStatusSQL, statusArgs(statuses))
}

// FindByBankReference matches a bank reference case-insensitively.
func (s *Store) FindByBankReference(ctx context.Context, reference string) (ramp.Request, error) {
	pool, err := s.getPool()
	if err != nil {
		return ramp.Request{}, err
	}
	req, err := scanRequest(pool.QueryRow(ctx, findRequestByReferenceSQL, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return ramp.Request{}, ramp.ErrNotFound
	}
	if err != nil {
		return ramp.Request{}, fmt.Errorf("find ramp request: %w", err)
	}
	return req, nil
}

// ListRecent lists the most recent requests.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ramp.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRequests(ctx, "list recent requests", listRecentRequestsSQL, limit)
}

func (s *Store) queryRequests(ctx context.Context, op, query string, args ...any) ([]ramp.Request, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	out := make([]ramp.Request, 0)
	for rows.Next() {
		req, scanErr := scanRequest(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertOracleUpdate persists an oracle push run.
func (s *Store) InsertOracleUpdate(ctx context.Context, update OracleUpdate) (OracleUpdate, error) {
	pool, err := s.getPool()
	if err != nil {
		return OracleUpdate{}, err
	}

	row := pool.QueryRow(ctx, insertOracleUpdateSQL,
		update.Bucket,
		update.ObservedAt,
		update.Ask.String(),
		update.Bid.String(),
		update.Mid.String(),
		update.Sources,
		update.Status,
		update.Attempts,
		update.TxHash,
		update.Reason,
	)
	if scanErr := row.Scan(&update.ID, &update.CreatedAt); scanErr != nil {
		return OracleUpdate{}, fmt.Errorf("insert oracle update: %w", scanErr)
	}
	return update, nil
}

// ListOracleUpdatesBetween lists runs within a bucket window.
func (s *Store) ListOracleUpdatesBetween(ctx context.Context, from, to time.Time) ([]OracleUpdate, error) {
	return s.queryOracleUpdates(ctx, "list oracle updates between", listOracleUpdatesBetweenSQL, from, to)
}

// ListRecentOracleUpdates lists the most recent runs ordered by descending bucket.
func (s *Store) ListRecentOracleUpdates(ctx context.Context, limit int) ([]OracleUpdate, error) {
	return s.queryOracleUpdates(ctx, "list recent oracle updates", listRecentOracleUpdatesSQL, limit)
}

func (s *Store) queryOracleUpdates(ctx context.Context, op, query string, args ...any) ([]OracleUpdate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	updates := make([]OracleUpdate, 0)
	for rows.Next() {
		update, scanErr := scanOracleUpdate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		updates = append(updates, update)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return updates, nil
}

func scanRequest(row pgx.Row) (ramp.Request, error) {
	var (
		req                              ramp.Request
		typ, status                      string
		bobStr, bobtStr, rateStr, feeStr string
		reference, account, bankName     sql.NullString
		txHash, proposal, verifiedBy     sql.NullString
		notes                            sql.NullString
		completedAt                      sql.NullTime
	)

	if err := row.Scan(
		&req.ID,
		&typ,
		&status,
		&req.UserAddress,
		&bobStr,
		&bobtStr,
		&rateStr,
		&feeStr,
		&reference,
		&account,
		&bankName,
		&txHash,
		&proposal,
		&verifiedBy,
		&notes,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ExpiresAt,
		&completedAt,
	); err != nil {
		return ramp.Request{}, err
	}

	amounts, err := parseDecimals(
		namedDecimal{"bob amount", bobStr},
		namedDecimal{"bobt amount", bobtStr},
		namedDecimal{"exchange rate", rateStr},
		namedDecimal{"fee amount", feeStr},
	)
	if err != nil {
		return ramp.Request{}, err
	}

	req.Type = ramp.Type(typ)
	req.Status = ramp.Status(status)
	req.BobAmount, req.BobtAmount, req.ExchangeRate, req.FeeAmount = amounts[0], amounts[1], amounts[2], amounts[3]
	req.BankReference = reference.String
	req.UserBankAccount = account.String
	req.UserBankName = bankName.String
	req.TxHash = txHash.String
	req.ProposalID = proposal.String
	req.VerifiedBy = verifiedBy.String
	req.Notes = notes.String
	if completedAt.Valid {
		at := completedAt.Time
		req.CompletedAt = &at
	}
	return req, nil
}

func scanOracleUpdate(rows pgx.Rows) (OracleUpdate, error) {
	var (
		update                 OracleUpdate
		observedAt             sql.NullTime
		askStr, bidStr, midStr string
		txHash, reason         sql.NullString
	)

	if err := rows.Scan(
		&update.ID,
		&update.Bucket,
		&observedAt,
		&askStr,
		&bidStr,
		&midStr,
		&update.Sources,
		&update.Status,
		&update.Attempts,
		&txHash,
		&reason,
		&update.CreatedAt,
	); err != nil {
		return OracleUpdate{}, err
	}

	prices, err := parseDecimals(
		namedDecimal{"ask", askStr},
		namedDecimal{"bid", bidStr},
		namedDecimal{"mid", midStr},
	)
	if err != nil {
		return OracleUpdate{}, err
	}
	update.Ask, update.Bid, update.Mid = prices[0], prices[1], prices[2]

	if observedAt.Valid {
		at := observedAt.Time
		update.ObservedAt = &at
	}
	if txHash.Valid {
		value := txHash.String
		update.TxHash = &value
	}
	if reason.Valid {
		value := reason.String
		update.Reason = &value
	}
	return update, nil
}

type namedDecimal struct {
	name  string
	value string
}

func parseDecimals(values ...namedDecimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v.value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", v.name, err)
		}
		out[i] = d
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func statusArgs(statuses []ramp.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var (
	_ ramp.Repository = (*Store)(nil)
	_ OracleHistory   = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
