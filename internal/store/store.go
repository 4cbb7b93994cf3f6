package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects and tunes the backing SQL database.
type Config struct {
	Driver       string // sqlite, postgres, mysql
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Store wraps a GORM handle with the repository operations the pipeline and
// credential pool need. A single *gorm.DB connection pool is shared across
// all tables, mirroring the teacher's PoolManager wrapper around database/sql.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open connects to the configured database, auto-migrates the schema, and
// tunes the connection pool.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("store opened", zap.String("driver", cfg.Driver))

	return &Store{db: db, sqlDB: sqlDB, logger: logger.With(zap.String("component", "store"))}, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return s.sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sqlDB.Close()
}

// DB exposes the raw GORM handle for packages that need bespoke queries
// (observability batch writer, migrations tooling).
func (s *Store) DB() *gorm.DB { return s.db }

// EnsureMachine returns the Machine row for machineID, creating it with
// default settings on first use.
func (s *Store) EnsureMachine(ctx context.Context, machineID string) (*Machine, error) {
	var m Machine
	err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).First(&m).Error
	if err == nil {
		return &m, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	m = Machine{
		MachineID:             machineID,
		FallbackStrategy:      string(StrategyFillFirst),
		StickyRoundRobinLimit: 3,
		RequireAPIKey:         true,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConnections returns every provider connection for machineID, optionally
// filtered by provider. The caller applies eligibility and model-lock
// filtering; this is a plain read.
func (s *Store) ListConnections(ctx context.Context, machineID, provider string) ([]ProviderConnection, error) {
	q := s.db.WithContext(ctx).Where("machine_id = ?", machineID)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var conns []ProviderConnection
	if err := q.Order("priority asc, id asc").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// GetConnection loads a single connection by its ConnectionID.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*ProviderConnection, error) {
	var c ProviderConnection
	if err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkFailure records an upstream failure against a connection: status/error
// fields update, and when a caller-computed cooldown deadline is given,
// rate_limited_until is set to it and the backoff level increments. A nil
// deadline (non-fallback 4xxs) leaves both unchanged.
func (s *Store) MarkFailure(ctx context.Context, connectionID, errorCode, errMsg string, rateLimitedUntil *time.Time) error {
	now := time.Now()
	updates := map[string]any{
		"status":        StatusUnavailable,
		"last_error":    errMsg,
		"error_code":    errorCode,
		"last_error_at": &now,
	}
	if rateLimitedUntil != nil {
		updates["rate_limited_until"] = rateLimitedUntil
		updates["backoff_level"] = gorm.Expr("backoff_level + 1")
	}
	return s.db.WithContext(ctx).Model(&ProviderConnection{}).
		Where("connection_id = ?", connectionID).Updates(updates).Error
}

// MarkSuccess clears a connection's failure state and resets backoff to zero,
// per spec §4.3's recovery invariant.
func (s *Store) MarkSuccess(ctx context.Context, connectionID string) error {
	return s.db.WithContext(ctx).Model(&ProviderConnection{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]any{
			"status":             StatusActive,
			"last_error":         "",
			"error_code":         "",
			"rate_limited_until": nil,
			"backoff_level":      0,
		}).Error
}

// TouchUsage records that connectionID was just used, for sticky
// round-robin's consecutive-use counting. reset=true restarts the counter
// at 1 (a different connection was chosen last turn); otherwise it
// increments.
func (s *Store) TouchUsage(ctx context.Context, connectionID string, reset bool) error {
	now := time.Now()
	updates := map[string]any{"last_used_at": &now}
	if reset {
		updates["consecutive_use_count"] = 1
	} else {
		updates["consecutive_use_count"] = gorm.Expr("consecutive_use_count + 1")
	}
	return s.db.WithContext(ctx).Model(&ProviderConnection{}).
		Where("connection_id = ?", connectionID).Updates(updates).Error
}

// UpdateTokens persists a refreshed OAuth access/refresh token pair.
func (s *Store) UpdateTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&ProviderConnection{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    &expiresAt,
		}).Error
}

// FindAPIKey looks up an issued proxy key by its raw value.
func (s *Store) FindAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	if err := s.db.WithContext(ctx).Where("key = ? AND is_active = ?", key, true).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// ResolveAlias looks up a model alias for a machine, returning ok=false if
// none is registered (the caller then treats the input as already canonical).
func (s *Store) ResolveAlias(ctx context.Context, machineID, alias string) (string, bool, error) {
	var a ModelAlias
	err := s.db.WithContext(ctx).Where("machine_id = ? AND alias = ?", machineID, alias).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.Canonical, true, nil
}

// GetCombo loads a named combo for a machine.
func (s *Store) GetCombo(ctx context.Context, machineID, name string) (*Combo, error) {
	var c Combo
	if err := s.db.WithContext(ctx).Where("machine_id = ? AND name = ?", machineID, name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCombos returns every combo registered for a machine, for the model
// listing endpoints of spec §6.
func (s *Store) ListCombos(ctx context.Context, machineID string) ([]Combo, error) {
	var combos []Combo
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Order("name asc").Find(&combos).Error; err != nil {
		return nil, err
	}
	return combos, nil
}

// RecordUsage writes a best-effort observability row. Callers invoke this
// from a detached goroutine; failures are logged, never propagated.
func (s *Store) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	rec.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(rec).Error
}

// AsyncRecordUsage fires RecordUsage on a background goroutine with its own
// bounded timeout and panic recovery, following the teacher's fire-and-forget
// write pattern for non-critical bookkeeping.
func (s *Store) AsyncRecordUsage(rec *UsageRecord) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recording usage", zap.Any("recover", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordUsage(ctx, rec); err != nil {
			s.logger.Warn("failed to record usage", zap.Error(err))
		}
	}()
}
