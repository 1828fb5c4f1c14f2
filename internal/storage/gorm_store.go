package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type executionModel struct {
	ExecutionID    string         `gorm:"column:execution_id;primaryKey;size:64"`
	AccountKey     string         `gorm:"column:account_key;index:idx_exec_key_created,priority:1;size:128"`
	AgentType      string         `gorm:"column:agent_type;index:idx_exec_key_created,priority:2;size:32"`
	CandidateID    string         `gorm:"column:candidate_id;size:128"`
	Instrument     string         `gorm:"column:instrument;size:64"`
	Mode           string         `gorm:"column:mode;size:16"`
	ChainsInvolved datatypes.JSON `gorm:"column:chains_involved"`
	AmountIn       string         `gorm:"column:amount_in"`
	AmountOut      string         `gorm:"column:amount_out"`
	FeePaid        string         `gorm:"column:fee_paid"`
	Profit         string         `gorm:"column:profit"`
	TxReference    string         `gorm:"column:tx_reference;size:80"`
	Status         string         `gorm:"column:status;size:16"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_exec_key_created,priority:3"`
}

func (executionModel) TableName() string { return "executions" }

type statsModel struct {
	AccountKey    string    `gorm:"column:account_key;primaryKey;size:128"`
	AgentType     string    `gorm:"column:agent_type;primaryKey;size:32"`
	TotalTrades   int64     `gorm:"column:total_trades"`
	WinningTrades int64     `gorm:"column:winning_trades"`
	TotalPnL      string    `gorm:"column:total_pnl"`
	APYEstimate   string    `gorm:"column:apy_estimate"`
	LastUpdated   time.Time `gorm:"column:last_updated"`
}

func (statsModel) TableName() string { return "agent_stats" }

type roundModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	AccountKey string         `gorm:"column:account_key;index;size:128"`
	AgentType  string         `gorm:"column:agent_type;size:32"`
	Outcome    string         `gorm:"column:outcome;size:32"`
	Candidates int            `gorm:"column:candidates"`
	Accepted   int            `gorm:"column:accepted"`
	Failures   datatypes.JSON `gorm:"column:failures"`
	Error      *string        `gorm:"column:error"`
	StartedAt  time.Time      `gorm:"column:started_at;index"`
	DurationMs int64          `gorm:"column:duration_ms"`
}

func (roundModel) TableName() string { return "rounds" }

// GormStore persists the ledger in SQLite through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the SQLite database at path and migrates it.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&executionModel{}, &statsModel{}, &roundModel{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent rounds
	sqlDB.SetMaxOpenConns(1)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	model, err := toExecutionModel(rec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return fmt.Errorf("insert execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *GormStore) GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error) {
	var model executionModel
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return fromExecutionModel(model)
}

func (s *GormStore) UpdateExecution(ctx context.Context, rec ExecutionRecord) error {
	res := s.db.WithContext(ctx).Model(&executionModel{}).
		Where("execution_id = ? AND status = ?", rec.ExecutionID, string(StatusPending)).
		Updates(map[string]any{
			"status":       string(rec.Status),
			"amount_out":   rec.AmountOut.String(),
			"fee_paid":     rec.FeePaid.String(),
			"profit":       rec.Profit.String(),
			"tx_reference": rec.TxReference,
		})
	if res.Error != nil {
		return fmt.Errorf("update execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	q := s.db.WithContext(ctx).Model(&executionModel{})
	if filter.AccountKey != "" {
		q = q.Where("account_key = ?", filter.AccountKey)
	}
	if filter.AgentType != nil {
		q = q.Where("agent_type = ?", string(*filter.AgentType))
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}
	if filter.Newest {
		q = q.Order("created_at DESC").Order("execution_id DESC")
	} else {
		q = q.Order("created_at ASC").Order("execution_id ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []executionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]ExecutionRecord, 0, len(models))
	for _, m := range models {
		rec, err := fromExecutionModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) UpsertStats(ctx context.Context, stats AgentStats) error {
	model := statsModel{
		AccountKey:    stats.AccountKey,
		AgentType:     string(stats.AgentType),
		TotalTrades:   stats.TotalTrades,
		WinningTrades: stats.WinningTrades,
		TotalPnL:      stats.TotalPnL.String(),
		APYEstimate:   stats.APYEstimate.String(),
		LastUpdated:   stats.LastUpdated,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_key"}, {Name: "agent_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_trades", "winning_trades", "total_pnl", "apy_estimate", "last_updated"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

func (s *GormStore) GetStats(ctx context.Context, key StatsKey) (AgentStats, error) {
	var model statsModel
	err := s.db.WithContext(ctx).
		Where("account_key = ? AND agent_type = ?", key.AccountKey, string(key.AgentType)).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AgentStats{}, ErrNotFound
	}
	if err != nil {
		return AgentStats{}, fmt.Errorf("get stats: %w", err)
	}
	return fromStatsModel(model)
}

func (s *GormStore) ListStats(ctx context.Context, accountKey string, agentType *AgentType) ([]AgentStats, error) {
	q := s.db.WithContext(ctx).Where("account_key = ?", accountKey)
	if agentType != nil {
		q = q.Where("agent_type = ?", string(*agentType))
	}
	var models []statsModel
	if err := q.Order("agent_type").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	out := make([]AgentStats, 0, len(models))
	for _, m := range models {
		st, err := fromStatsModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *GormStore) InsertRound(ctx context.Context, round RoundLog) error {
	failures, err := json.Marshal(round.Failures)
	if err != nil {
		return err
	}
	model := roundModel{
		AccountKey: round.AccountKey,
		AgentType:  string(round.AgentType),
		Outcome:    round.Outcome,
		Candidates: round.Candidates,
		Accepted:   round.Accepted,
		Failures:   datatypes.JSON(failures),
		Error:      round.Error,
		StartedAt:  round.StartedAt,
		DurationMs: round.DurationMs,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *GormStore) ListRounds(ctx context.Context, accountKey string, limit int) ([]RoundLog, error) {
	q := s.db.WithContext(ctx).Where("account_key = ?", accountKey).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []roundModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	out := make([]RoundLog, 0, len(models))
	for _, m := range models {
		round := RoundLog{
			ID:         m.ID,
			AccountKey: m.AccountKey,
			AgentType:  AgentType(m.AgentType),
			Outcome:    m.Outcome,
			Candidates: m.Candidates,
			Accepted:   m.Accepted,
			Error:      m.Error,
			StartedAt:  m.StartedAt,
			DurationMs: m.DurationMs,
		}
		if len(m.Failures) > 0 {
			if err := json.Unmarshal(m.Failures, &round.Failures); err != nil {
				return nil, fmt.Errorf("decode round failures: %w", err)
			}
		}
		out = append(out, round)
	}
	return out, nil
}

func toExecutionModel(rec ExecutionRecord) (executionModel, error) {
	chains, err := json.Marshal(rec.ChainsInvolved)
	if err != nil {
		return executionModel{}, err
	}
	return executionModel{
		ExecutionID:    rec.ExecutionID,
		AccountKey:     rec.AccountKey,
		AgentType:      string(rec.AgentType),
		CandidateID:    rec.CandidateID,
		Instrument:     rec.Instrument,
		Mode:           rec.Mode,
		ChainsInvolved: datatypes.JSON(chains),
		AmountIn:       rec.AmountIn.String(),
		AmountOut:      rec.AmountOut.String(),
		FeePaid:        rec.FeePaid.String(),
		Profit:         rec.Profit.String(),
		TxReference:    rec.TxReference,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt.UTC(),
	}, nil
}

func fromExecutionModel(m executionModel) (ExecutionRecord, error) {
	rec := ExecutionRecord{
		ExecutionID: m.ExecutionID,
		AccountKey:  m.AccountKey,
		AgentType:   AgentType(m.AgentType),
		CandidateID: m.CandidateID,
		Instrument:  m.Instrument,
		Mode:        m.Mode,
		TxReference: m.TxReference,
		Status:      ExecutionStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if len(m.ChainsInvolved) > 0 {
		if err := json.Unmarshal(m.ChainsInvolved, &rec.ChainsInvolved); err != nil {
			return ExecutionRecord{}, fmt.Errorf("decode chains: %w", err)
		}
	}
	var err error
	if rec.AmountIn, err = decimal.NewFromString(m.AmountIn); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount_in: %w", err)
	}
	if rec.AmountOut, err = decimal.NewFromString(m.AmountOut); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse amount_out: %w", err)
	}
	if rec.FeePaid, err = decimal.NewFromString(m.FeePaid); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse fee_paid: %w", err)
	}
	if rec.Profit, err = decimal.NewFromString(m.Profit); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse profit: %w", err)
	}
	return rec, nil
}

func fromStatsModel(m statsModel) (AgentStats, error) {
	st := AgentStats{
		AccountKey:    m.AccountKey,
		AgentType:     AgentType(m.AgentType),
		TotalTrades:   m.TotalTrades,
		WinningTrades: m.WinningTrades,
		LastUpdated:   m.LastUpdated.UTC(),
	}
	var err error
	if st.TotalPnL, err = decimal.NewFromString(m.TotalPnL); err != nil {
		return AgentStats{}, fmt.Errorf("parse total_pnl: %w", err)
	}
	if st.APYEstimate, err = decimal.NewFromString(m.APYEstimate); err != nil {
		return AgentStats{}, fmt.Errorf("parse apy_estimate: %w", err)
	}
	return st, nil
}

var _ Backend = (*GormStore)(nil)
