package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"credex/internal/model"
)

// casAttempts bounds the optimistic-merge retry loops. The store has no
// cross-row transactions; every mutation is a single conditional statement.
const casAttempts = 5

// Store is the durable document store backing the exchange: player balances,
// the exchange-rate singleton, quota counters and request records.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and bootstraps the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			credits TEXT NOT NULL DEFAULT '0',
			withdrawn_tokens TEXT NOT NULL DEFAULT '0',
			deposited_tokens TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_rate (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			credits_per_token TEXT NOT NULL,
			token_per_credit TEXT NOT NULL,
			fee_ratio TEXT NOT NULL,
			daily_limit_tokens TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quota_records (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			exchanged_tokens TEXT NOT NULL DEFAULT '0',
			PRIMARY KEY (user_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			destination_address TEXT NOT NULL,
			credits_debited TEXT NOT NULL,
			tokens_requested TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			tx_reference TEXT,
			error_reason TEXT,
			idempotency_key TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawal_idempotency
			ON withdrawal_requests (user_id, idempotency_key)
			WHERE idempotency_key != ''`,
		`CREATE TABLE IF NOT EXISTS deposit_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tokens_sent TEXT NOT NULL,
			credits_granted TEXT NOT NULL,
			status TEXT NOT NULL,
			tx_reference TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- players ----

// CreatePlayer inserts a player with a starting credits balance. Existing
// players are returned unchanged.
func (s *Store) CreatePlayer(ctx context.Context, id string, credits decimal.Decimal) (*model.Player, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO players (id, credits) VALUES (?, ?)", id, credits.String())
	if err != nil {
		return nil, err
	}
	return s.GetPlayer(ctx, id)
}

func (s *Store) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	var credits, withdrawn, deposited string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, credits, withdrawn_tokens, deposited_tokens FROM players WHERE id = ?", id).
		Scan(&p.ID, &credits, &withdrawn, &deposited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.Credits, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("corrupt credits for player %s: %w", id, err)
	}
	if p.WithdrawnTokens, err = decimal.NewFromString(withdrawn); err != nil {
		return nil, fmt.Errorf("corrupt stats for player %s: %w", id, err)
	}
	if p.DepositedTokens, err = decimal.NewFromString(deposited); err != nil {
		return nil, fmt.Errorf("corrupt stats for player %s: %w", id, err)
	}
	return &p, nil
}

// DebitCredits subtracts amount from the player's balance. The write is a
// compare-and-swap against the previously read balance so a concurrent spend
// cannot be lost; insufficient funds at swap time abort with
// ErrInsufficientBalance.
func (s *Store) DebitCredits(ctx context.Context, userID string, amount decimal.Decimal) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		p, err := s.GetPlayer(ctx, userID)
		if err != nil {
			return err
		}
		if p.Credits.LessThan(amount) {
			return ErrInsufficientBalance
		}
		ok, err := s.swapCredits(ctx, userID, p.Credits, p.Credits.Sub(amount))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// CreditCredits adds amount to the player's balance.
func (s *Store) CreditCredits(ctx context.Context, userID string, amount decimal.Decimal) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		p, err := s.GetPlayer(ctx, userID)
		if err != nil {
			return err
		}
		ok, err := s.swapCredits(ctx, userID, p.Credits, p.Credits.Add(amount))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

func (s *Store) swapCredits(ctx context.Context, userID string, old, new decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE players SET credits = ? WHERE id = ? AND credits = ?",
		new.String(), userID, old.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BumpExchangeStats increments the player's lifetime exchange counters. Best
// effort bookkeeping for the game layer; callers only log failures.
func (s *Store) BumpExchangeStats(ctx context.Context, userID string, direction model.Direction, tokens decimal.Decimal) error {
	column := "withdrawn_tokens"
	if direction == model.DirectionDeposit {
		column = "deposited_tokens"
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		p, err := s.GetPlayer(ctx, userID)
		if err != nil {
			return err
		}
		old := p.WithdrawnTokens
		if direction == model.DirectionDeposit {
			old = p.DepositedTokens
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE players SET %s = ? WHERE id = ? AND %s = ?", column, column),
			old.Add(tokens).String(), userID, old.String())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}
	}
	return ErrConflict
}

// ---- exchange rate ----

// ExchangeRate returns the singleton rate record. Callers re-read it per
// request rather than caching it.
func (s *Store) ExchangeRate(ctx context.Context) (model.ExchangeRate, error) {
	var rate model.ExchangeRate
	var cpt, tpc, fee, limit string
	var updated int64

	err := s.db.QueryRowContext(ctx,
		"SELECT credits_per_token, token_per_credit, fee_ratio, daily_limit_tokens, updated_at FROM exchange_rate WHERE id = 1").
		Scan(&cpt, &tpc, &fee, &limit, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rate, ErrNotFound
	}
	if err != nil {
		return rate, err
	}

	if rate.CreditsPerToken, err = decimal.NewFromString(cpt); err != nil {
		return rate, fmt.Errorf("corrupt exchange rate: %w", err)
	}
	if rate.TokenPerCredit, err = decimal.NewFromString(tpc); err != nil {
		return rate, fmt.Errorf("corrupt exchange rate: %w", err)
	}
	if rate.FeeRatio, err = decimal.NewFromString(fee); err != nil {
		return rate, fmt.Errorf("corrupt exchange rate: %w", err)
	}
	if rate.DailyLimitTokens, err = decimal.NewFromString(limit); err != nil {
		return rate, fmt.Errorf("corrupt exchange rate: %w", err)
	}
	rate.UpdatedAt = time.Unix(updated, 0).UTC()
	return rate, nil
}

// PutExchangeRate replaces the singleton rate record.
func (s *Store) PutExchangeRate(ctx context.Context, rate model.ExchangeRate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_rate (id, credits_per_token, token_per_credit, fee_ratio, daily_limit_tokens, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			credits_per_token = excluded.credits_per_token,
			token_per_credit = excluded.token_per_credit,
			fee_ratio = excluded.fee_ratio,
			daily_limit_tokens = excluded.daily_limit_tokens,
			updated_at = excluded.updated_at`,
		rate.CreditsPerToken.String(), rate.TokenPerCredit.String(),
		rate.FeeRatio.String(), rate.DailyLimitTokens.String(),
		rate.UpdatedAt.Unix())
	return err
}

// ---- quota ----

// QuotaFor returns today's exchanged-token counter for the user, creating the
// day's row on first touch. Rows for past days are simply never read again.
func (s *Store) QuotaFor(ctx context.Context, userID, day string) (decimal.Decimal, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO quota_records (user_id, day, exchanged_tokens) VALUES (?, ?, '0')",
		userID, day)
	if err != nil {
		return decimal.Zero, err
	}

	var exchanged string
	err = s.db.QueryRowContext(ctx,
		"SELECT exchanged_tokens FROM quota_records WHERE user_id = ? AND day = ?",
		userID, day).Scan(&exchanged)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(exchanged)
}

// AdvanceQuota swaps the counter from old to new. Returns false when another
// request advanced it first; the caller re-reads and re-checks the limit.
func (s *Store) AdvanceQuota(ctx context.Context, userID, day string, old, new decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE quota_records SET exchanged_tokens = ? WHERE user_id = ? AND day = ? AND exchanged_tokens = ?",
		new.String(), userID, day, old.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- withdrawal requests ----

func (s *Store) CreateWithdrawal(ctx context.Context, req *model.WithdrawalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
			(id, user_id, destination_address, credits_debited, tokens_requested, status, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserID, req.DestinationAddress,
		req.CreditsDebited.String(), req.TokensRequested.String(),
		req.Status, req.IdempotencyKey, req.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	return s.scanWithdrawal(s.db.QueryRowContext(ctx,
		selectWithdrawal+" WHERE id = ?", id))
}

// GetWithdrawalByKey resolves a client idempotency key to the request it
// already created, if any.
func (s *Store) GetWithdrawalByKey(ctx context.Context, userID, key string) (*model.WithdrawalRequest, error) {
	return s.scanWithdrawal(s.db.QueryRowContext(ctx,
		selectWithdrawal+" WHERE user_id = ? AND idempotency_key = ?", userID, key))
}

const selectWithdrawal = `
	SELECT id, user_id, destination_address, credits_debited, tokens_requested,
	       status, tx_reference, error_reason, idempotency_key, created_at, completed_at
	FROM withdrawal_requests`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanWithdrawal(row rowScanner) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	var debited, requested string
	var txRef, reason sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&req.ID, &req.UserID, &req.DestinationAddress,
		&debited, &requested, &req.Status, &txRef, &reason,
		&req.IdempotencyKey, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if req.CreditsDebited, err = decimal.NewFromString(debited); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal %s: %w", req.ID, err)
	}
	if req.TokensRequested, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal %s: %w", req.ID, err)
	}
	if txRef.Valid {
		req.TxReference = &txRef.String
	}
	if reason.Valid {
		req.ErrorReason = &reason.String
	}
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		req.CompletedAt = &t
	}
	return &req, nil
}

// ClaimWithdrawal flips pending → processing. The conditional update is the
// serialization point: exactly one worker wins even under concurrent callers,
// and a loser must not touch the settlement ledger for this request.
func (s *Store) ClaimWithdrawal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE withdrawal_requests SET status = ? WHERE id = ? AND status = ?",
		model.StatusProcessing, id, model.StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// CompleteWithdrawal finalizes a processing request with its transaction
// reference. Terminal states are never overwritten.
func (s *Store) CompleteWithdrawal(ctx context.Context, id, txReference string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE withdrawal_requests SET status = ?, tx_reference = ?, completed_at = ? WHERE id = ? AND status = ?",
		model.StatusCompleted, txReference, completedAt.Unix(), id, model.StatusProcessing)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// FailWithdrawal records a terminal failure with its machine-readable reason.
func (s *Store) FailWithdrawal(ctx context.Context, id, reason string, failedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE withdrawal_requests SET status = ?, error_reason = ?, completed_at = ? WHERE id = ? AND status = ?",
		model.StatusFailed, reason, failedAt.Unix(), id, model.StatusProcessing)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// ReopenWithdrawal re-queues a failed request for a manual re-drive of the
// on-chain leg. Credits are never re-debited on this path.
func (s *Store) ReopenWithdrawal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE withdrawal_requests SET status = ?, error_reason = NULL, completed_at = NULL WHERE id = ? AND status = ?",
		model.StatusPending, id, model.StatusFailed)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// ListWithdrawalsByStatus returns requests in a given status created before
// the cutoff, oldest first. Used by the settlement sweep and the reconciler.
func (s *Store) ListWithdrawalsByStatus(ctx context.Context, status string, before time.Time) ([]*model.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		selectWithdrawal+" WHERE status = ? AND created_at < ? ORDER BY created_at ASC",
		status, before.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WithdrawalRequest
	for rows.Next() {
		req, err := s.scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// ---- deposit records ----

// CreateDeposit records a completed deposit. The unique tx_reference index
// rejects a second confirmation of the same on-chain transfer.
func (s *Store) CreateDeposit(ctx context.Context, rec *model.DepositRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_records (id, user_id, tokens_sent, credits_granted, status, tx_reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.TokensSent.String(), rec.CreditsGranted.String(),
		rec.Status, rec.TxReference, rec.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicateDeposit
	}
	return err
}

func (s *Store) GetDepositByTx(ctx context.Context, txReference string) (*model.DepositRecord, error) {
	var rec model.DepositRecord
	var sent, granted string
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tokens_sent, credits_granted, status, tx_reference, created_at
		FROM deposit_records WHERE tx_reference = ?`, txReference).
		Scan(&rec.ID, &rec.UserID, &sent, &granted, &rec.Status, &rec.TxReference, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.TokensSent, err = decimal.NewFromString(sent); err != nil {
		return nil, fmt.Errorf("corrupt deposit %s: %w", rec.ID, err)
	}
	if rec.CreditsGranted, err = decimal.NewFromString(granted); err != nil {
		return nil, fmt.Errorf("corrupt deposit %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

// UpdateDepositStatus moves a deposit record between statuses with a
// conditional update, mirroring the withdrawal claim.
func (s *Store) UpdateDepositStatus(ctx context.Context, id, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE deposit_records SET status = ? WHERE id = ? AND status = ?",
		to, id, from)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
