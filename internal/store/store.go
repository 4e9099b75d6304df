// Package store persists engine state in a SQLite database: exchange
// mirror snapshots, agent strategy state, the candle cache, the
// append-only event log and the job queue.
//
// Mirror and agent rows are versioned. Every save checks the version it
// read and fails with ErrStaleEntity when another writer got there
// first; the caller reloads and retries. That is what lets several
// engine processes share one database without a coordination service.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mmengine/pkg/period"
	"mmengine/pkg/types"
)

// failedOneShotBackoff delays the retry of a failed one-shot job so a
// permanently broken job does not get reclaimed on every poll tick.
const failedOneShotBackoff = 5 * period.Minute

// ErrStaleEntity reports an optimistic concurrency conflict: the row
// changed since it was loaded.
var ErrStaleEntity = errors.New("store: stale entity")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("store: not found")

// ExchangeRecord is the persisted snapshot of one exchange mirror.
type ExchangeRecord struct {
	Name      string `gorm:"primaryKey"`
	State     string `gorm:"type:text"` // mirror.Snapshot as JSON
	Version   int64
	UpdatedAt time.Time
}

// AgentRecord is the persisted state of one trading agent. PeakValue is
// the drawdown guard's high-water mark; persisting it keeps a fall that
// spans a process restart visible to the guard.
type AgentRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	Exchange  string
	Strategy  string
	Paused    bool
	PeakValue float64
	State     string `gorm:"type:text"` // per-market state map as JSON
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketStates decodes the per-market strategy state.
func (a *AgentRecord) MarketStates() (map[string]types.MarketState, error) {
	out := make(map[string]types.MarketState)
	if a.State == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(a.State), &out); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	return out, nil
}

// SetMarketStates encodes the per-market strategy state.
func (a *AgentRecord) SetMarketStates(states map[string]types.MarketState) error {
	raw, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("encode agent state: %w", err)
	}
	a.State = string(raw)
	return nil
}

// CandleRow is one cached OHLCV bucket.
type CandleRow struct {
	Exchange  string `gorm:"primaryKey"`
	Market    string `gorm:"primaryKey"`
	Timeframe string `gorm:"primaryKey"`
	Timestamp int64  `gorm:"primaryKey"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// EventRow is one append-only engine event.
type EventRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Type      string `gorm:"index"`
	Exchange  string
	Timestamp int64  `gorm:"index"`
	Data      string `gorm:"type:text"`
}

// JobRecord is one queued job. Repeating jobs reschedule themselves by
// Interval; LockedAt is the claim timestamp that keeps two workers from
// running the same job.
type JobRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"index"`
	Data      string
	Interval  int64 // ms between runs, 0 = one-shot
	NextRunAt int64 `gorm:"index"`
	LockedAt  int64 // 0 = unclaimed
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&ExchangeRecord{}, &AgentRecord{}, &CandleRow{}, &EventRow{}, &JobRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveExchange persists a mirror snapshot with an optimistic version
// check. A zero-version record inserts; anything else must match the
// stored version or ErrStaleEntity is returned.
func (s *Store) SaveExchange(rec *ExchangeRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
		if err := s.db.Create(rec).Error; err != nil {
			return fmt.Errorf("insert exchange %s: %w", rec.Name, err)
		}
		return nil
	}
	res := s.db.Model(&ExchangeRecord{}).
		Where("name = ? AND version = ?", rec.Name, rec.Version).
		Updates(map[string]any{"state": rec.State, "version": rec.Version + 1})
	if res.Error != nil {
		return fmt.Errorf("update exchange %s: %w", rec.Name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleEntity
	}
	rec.Version++
	return nil
}

// LoadExchange fetches a mirror snapshot by exchange name.
func (s *Store) LoadExchange(name string) (*ExchangeRecord, error) {
	var rec ExchangeRecord
	err := s.db.First(&rec, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load exchange %s: %w", name, err)
	}
	return &rec, nil
}

// CreateAgent inserts a new agent with a fresh id.
func (s *Store) CreateAgent(rec *AgentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("insert agent %s: %w", rec.Name, err)
	}
	return nil
}

// SaveAgent persists agent state with an optimistic version check.
func (s *Store) SaveAgent(rec *AgentRecord) error {
	res := s.db.Model(&AgentRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]any{
			"state":      rec.State,
			"paused":     rec.Paused,
			"peak_value": rec.PeakValue,
			"version":    rec.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update agent %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleEntity
	}
	rec.Version++
	return nil
}

// LoadAgent fetches an agent by id.
func (s *Store) LoadAgent(id string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	return &rec, nil
}

// ListAgents returns all agents.
func (s *Store) ListAgents() ([]AgentRecord, error) {
	var recs []AgentRecord
	if err := s.db.Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return recs, nil
}

// UpsertCandles writes candles into the cache, replacing rows that share
// the same bucket. The newest bucket of a live feed changes until it
// closes, so replacement is the correct merge.
func (s *Store) UpsertCandles(exchange, market, timeframe string, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([]CandleRow, len(candles))
	for i, c := range candles {
		rows[i] = CandleRow{
			Exchange: exchange, Market: market, Timeframe: timeframe,
			Timestamp: c.Timestamp,
			Open:      c.Open, High: c.High, Low: c.Low, Close: c.Close,
			Volume: c.Volume,
		}
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert candles %s %s: %w", market, timeframe, err)
	}
	return nil
}

// LoadCandles returns cached candles at or after since, oldest first,
// up to limit rows (0 = no limit).
func (s *Store) LoadCandles(exchange, market, timeframe string, since int64, limit int) ([]types.Candle, error) {
	q := s.db.Model(&CandleRow{}).
		Where("exchange = ? AND market = ? AND timeframe = ? AND timestamp >= ?",
			exchange, market, timeframe, since).
		Order("timestamp")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []CandleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load candles %s %s: %w", market, timeframe, err)
	}
	out := make([]types.Candle, len(rows))
	for i, r := range rows {
		out[i] = types.Candle{
			Timestamp: r.Timestamp,
			Open:      r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume,
		}
	}
	return out, nil
}

// PurgeCandles drops cached candles older than the cutoff.
func (s *Store) PurgeCandles(before int64) error {
	if err := s.db.Where("timestamp < ?", before).Delete(&CandleRow{}).Error; err != nil {
		return fmt.Errorf("purge candles: %w", err)
	}
	return nil
}

// AppendEvent records one event. The log is append-only.
func (s *Store) AppendEvent(rec *EventRow) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns events at or after since, oldest first, up to limit.
func (s *Store) ListEvents(since int64, limit int) ([]EventRow, error) {
	q := s.db.Where("timestamp >= ?", since).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []EventRow
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return recs, nil
}

// PurgeEvents drops events older than the cutoff.
func (s *Store) PurgeEvents(before int64) error {
	if err := s.db.Where("timestamp < ?", before).Delete(&EventRow{}).Error; err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}

// CreateJob inserts a job.
func (s *Store) CreateJob(rec *JobRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("insert job %s: %w", rec.Name, err)
	}
	return nil
}

// FindJob returns the job matching name and data, or ErrNotFound. Used
// to keep repeating-job creation idempotent.
func (s *Store) FindJob(name, data string) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.First(&rec, "name = ? AND data = ?", name, data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", name, err)
	}
	return &rec, nil
}

// ClaimDueJob atomically claims one runnable job: due, and either
// unclaimed or held by a worker whose lock is older than lockLifetime.
// Returns ErrNotFound when nothing is runnable.
func (s *Store) ClaimDueJob(now, lockLifetime int64) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.
		Where("next_run_at <= ? AND (locked_at = 0 OR locked_at < ?)", now, now-lockLifetime).
		Order("next_run_at").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find due job: %w", err)
	}
	res := s.db.Model(&JobRecord{}).
		Where("id = ? AND locked_at = ?", rec.ID, rec.LockedAt).
		Update("locked_at", now)
	if res.Error != nil {
		return nil, fmt.Errorf("claim job %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker won the race; caller polls again.
		return nil, ErrNotFound
	}
	rec.LockedAt = now
	return &rec, nil
}

// FinishJob releases a claimed job: repeating jobs reschedule, clean
// one-shot jobs are deleted, and a failed one-shot is kept with its
// error and retried after a backoff.
func (s *Store) FinishJob(rec *JobRecord, now int64, errMsg string) error {
	if rec.Interval <= 0 && errMsg == "" {
		if err := s.db.Delete(&JobRecord{}, "id = ?", rec.ID).Error; err != nil {
			return fmt.Errorf("delete job %s: %w", rec.ID, err)
		}
		return nil
	}
	next := now + failedOneShotBackoff
	if rec.Interval > 0 {
		next = now + rec.Interval
	}
	err := s.db.Model(&JobRecord{}).Where("id = ?", rec.ID).
		Updates(map[string]any{
			"locked_at":   0,
			"next_run_at": next,
			"last_error":  errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("finish job %s: %w", rec.ID, err)
	}
	return nil
}
