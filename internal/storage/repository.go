package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicate is returned when an execution id already exists.
	ErrDuplicate = errors.New("storage: duplicate execution")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertExecutionSQL = `INSERT INTO executions (
        execution_id,
        account_key,
        agent_type,
        candidate_id,
        instrument,
        mode,
        chains_involved,
        amount_in,
        amount_out,
        fee_paid,
        profit,
        tx_reference,
        status,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (execution_id) DO NOTHING;`

	selectExecutionColumns = `SELECT
        execution_id,
        account_key,
        agent_type,
        candidate_id,
        instrument,
        mode,
        chains_involved,
        amount_in::text,
        amount_out::text,
        fee_paid::text,
        profit::text,
        tx_reference,
        status,
        created_at
    FROM executions`

	getExecutionSQL = selectExecutionColumns + `
    WHERE execution_id = $1;`

	updateExecutionSQL = `UPDATE executions
    SET status = $2, amount_out = $3, fee_paid = $4, profit = $5, tx_reference = $6
    WHERE execution_id = $1 AND status = 'pending';`

	upsertStatsSQL = `INSERT INTO agent_stats (
        account_key,
        agent_type,
        total_trades,
        winning_trades,
        total_pnl,
        apy_estimate,
        last_updated
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (account_key, agent_type) DO UPDATE
    SET
        total_trades   = EXCLUDED.total_trades,
        winning_trades = EXCLUDED.winning_trades,
        total_pnl      = EXCLUDED.total_pnl,
        apy_estimate   = EXCLUDED.apy_estimate,
        last_updated   = EXCLUDED.last_updated;`

	selectStatsColumns = `SELECT
        account_key,
        agent_type,
        total_trades,
        winning_trades,
        total_pnl::text,
        apy_estimate::text,
        last_updated
    FROM agent_stats`

	insertRoundSQL = `INSERT INTO rounds (
        account_key,
        agent_type,
        outcome,
        candidates,
        accepted,
        failures,
        error,
        started_at,
        duration_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listRoundsSQL = `SELECT
        id,
        account_key,
        agent_type,
        outcome,
        candidates,
        accepted,
        failures,
        error,
        started_at,
        duration_ms
    FROM rounds
    WHERE account_key = $1
    ORDER BY started_at DESC, id DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExecutionFilter narrows execution listings. Zero values match everything.
type ExecutionFilter struct {
	AccountKey string
	AgentType  *AgentType
	Status     *ExecutionStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Newest     bool
}

// ExecutionStore persists the append-only execution history.
type ExecutionStore interface {
	// InsertExecution inserts rec unless its id exists, in which case ErrDuplicate is returned.
	InsertExecution(ctx context.Context, rec ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error)
	// UpdateExecution rewrites the outcome fields of a pending execution.
	UpdateExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error)
}

// StatsStore persists derived agent statistics.
type StatsStore interface {
	UpsertStats(ctx context.Context, stats AgentStats) error
	GetStats(ctx context.Context, key StatsKey) (AgentStats, error)
	ListStats(ctx context.Context, accountKey string, agentType *AgentType) ([]AgentStats, error)
}

// RoundStore keeps a short audit trail of rounds.
type RoundStore interface {
	InsertRound(ctx context.Context, round RoundLog) error
	ListRounds(ctx context.Context, accountKey string, limit int) ([]RoundLog, error)
}

// LedgerStore is everything the ledger needs.
type LedgerStore interface {
	ExecutionStore
	StatsStore
}

// Backend bundles the three stores plus Close.
type Backend interface {
	LedgerStore
	RoundStore
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
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
		// a failed unlock is released with the session anyway
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

// InsertExecution appends an execution; duplicates yield ErrDuplicate.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, insertExecutionSQL,
		rec.ExecutionID,
		rec.AccountKey,
		string(rec.AgentType),
		rec.CandidateID,
		rec.Instrument,
		rec.Mode,
		rec.ChainsInvolved,
		rec.AmountIn.String(),
		rec.AmountOut.String(),
		rec.FeePaid.String(),
		rec.Profit.String(),
		rec.TxReference,
		string(rec.Status),
		rec.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert execution: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExecutionRecord{}, err
	}
	rows, err := pool.Query(ctx, getExecutionSQL, executionID)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if rows.Err() != nil {
			return ExecutionRecord{}, rows.Err()
		}
		return ExecutionRecord{}, ErrNotFound
	}
	return scanExecution(rows)
}

// UpdateExecution rewrites the outcome of a pending execution.
func (s *Store) UpdateExecution(ctx context.Context, rec ExecutionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateExecutionSQL,
		rec.ExecutionID,
		string(rec.Status),
		rec.AmountOut.String(),
		rec.FeePaid.String(),
		rec.Profit.String(),
		rec.TxReference,
	)
	if execErr != nil {
		return fmt.Errorf("update execution: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions lists executions matching filter, oldest first unless Newest is set.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildExecutionQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ExecutionRecord, 0)
	for rows.Next() {
		rec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func buildExecutionQuery(filter ExecutionFilter) (string, []any) {
	query := selectExecutionColumns + "\n    WHERE 1=1"
	args := make([]any, 0, 6)
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if filter.AccountKey != "" {
		add("account_key =", filter.AccountKey)
	}
	if filter.AgentType != nil {
		add("agent_type =", string(*filter.AgentType))
	}
	if filter.Status != nil {
		add("status =", string(*filter.Status))
	}
	if filter.From != nil {
		add("created_at >=", *filter.From)
	}
	if filter.To != nil {
		add("created_at <", *filter.To)
	}
	if filter.Newest {
		query += " ORDER BY created_at DESC, execution_id DESC"
	} else {
		query += " ORDER BY created_at, execution_id"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query + ";", args
}

// UpsertStats stores the latest derived statistics for a key.
func (s *Store) UpsertStats(ctx context.Context, stats AgentStats) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertStatsSQL,
		stats.AccountKey,
		string(stats.AgentType),
		stats.TotalTrades,
		stats.WinningTrades,
		stats.TotalPnL.String(),
		stats.APYEstimate.String(),
		stats.LastUpdated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert stats: %w", execErr)
	}
	return nil
}

// GetStats loads statistics for one key.
func (s *Store) GetStats(ctx context.Context, key StatsKey) (AgentStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return AgentStats{}, err
	}
	rows, err := pool.Query(ctx, selectStatsColumns+"\n    WHERE account_key = $1 AND agent_type = $2;", key.AccountKey, string(key.AgentType))
	if err != nil {
		return AgentStats{}, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if rows.Err() != nil {
			return AgentStats{}, rows.Err()
		}
		return AgentStats{}, ErrNotFound
	}
	return scanStats(rows)
}

// ListStats lists statistics for an account, optionally one agent type.
func (s *Store) ListStats(ctx context.Context, accountKey string, agentType *AgentType) ([]AgentStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := selectStatsColumns + "\n    WHERE account_key = $1"
	args := []any{accountKey}
	if agentType != nil {
		query += " AND agent_type = $2"
		args = append(args, string(*agentType))
	}
	query += " ORDER BY agent_type;"

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list stats: %w", queryErr)
	}
	defer rows.Close()

	out := make([]AgentStats, 0)
	for rows.Next() {
		st, scanErr := scanStats(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertRound records a round summary.
func (s *Store) InsertRound(ctx context.Context, round RoundLog) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var errMsg interface{}
	if round.Error != nil {
		errMsg = *round.Error
	}
	_, execErr := pool.Exec(ctx, insertRoundSQL,
		round.AccountKey,
		string(round.AgentType),
		round.Outcome,
		round.Candidates,
		round.Accepted,
		round.Failures,
		errMsg,
		round.StartedAt,
		round.DurationMs,
	)
	if execErr != nil {
		return fmt.Errorf("insert round: %w", execErr)
	}
	return nil
}

// ListRounds returns the most recent rounds of an account.
func (s *Store) ListRounds(ctx context.Context, accountKey string, limit int) ([]RoundLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRoundsSQL, accountKey, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list rounds: %w", queryErr)
	}
	defer rows.Close()

	out := make([]RoundLog, 0, limit)
	for rows.Next() {
		var (
			round     RoundLog
			agentType string
			errMsg    *string
		)
		if err := rows.Scan(
			&round.ID,
			&round.AccountKey,
			&agentType,
			&round.Outcome,
			&round.Candidates,
			&round.Accepted,
			&round.Failures,
			&errMsg,
			&round.StartedAt,
			&round.DurationMs,
		); err != nil {
			return nil, err
		}
		round.AgentType = AgentType(agentType)
		round.Error = errMsg
		out = append(out, round)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanExecution(rows pgx.Rows) (ExecutionRecord, error) {
	var (
		rec          ExecutionRecord
		agentType    string
		status       string
		amountInStr  string
		amountOutStr string
		feeStr       string
		profitStr    string
	)

	if err := rows.Scan(
		&rec.ExecutionID,
		&rec.AccountKey,
		&agentType,
		&rec.CandidateID,
		&rec.Instrument,
		&rec.Mode,
		&rec.ChainsInvolved,
		&amountInStr,
		&amountOutStr,
		&feeStr,
		&profitStr,
		&rec.TxReference,
		&status,
		&rec.CreatedAt,
	); err != nil {
		return ExecutionRecord{}, err
	}
	rec.AgentType = AgentType(agentType)
	rec.Status = ExecutionStatus(status)

	var err error
	if rec.AmountIn, err = decimal.NewFromString(amountInStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount_in: %w", err)
	}
	if rec.AmountOut, err = decimal.NewFromString(amountOutStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount_out: %w", err)
	}
	if rec.FeePaid, err = decimal.NewFromString(feeStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse fee_paid: %w", err)
	}
	if rec.Profit, err = decimal.NewFromString(profitStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse profit: %w", err)
	}
	return rec, nil
}

func scanStats(rows pgx.Rows) (AgentStats, error) {
	var (
		st        AgentStats
		agentType string
		pnlStr    string
		apyStr    string
	)
	if err := rows.Scan(
		&st.AccountKey,
		&agentType,
		&st.TotalTrades,
		&st.WinningTrades,
		&pnlStr,
		&apyStr,
		&st.LastUpdated,
	); err != nil {
		return AgentStats{}, err
	}
	st.AgentType = AgentType(agentType)

	var err error
	if st.TotalPnL, err = decimal.NewFromString(pnlStr); err != nil {
		return AgentStats{}, fmt.Errorf("parse total_pnl: %w", err)
	}
	if st.APYEstimate, err = decimal.NewFromString(apyStr); err != nil {
		return AgentStats{}, fmt.Errorf("parse apy_estimate: %w", err)
	}
	return st, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
