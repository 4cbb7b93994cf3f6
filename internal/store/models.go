// Package store persists the MachineData document described in spec §3:
// issued API keys, provider connections (credentials) with their health and
// usage triples, model aliases, combos, and per-machine settings. It is
// backed by GORM over the pure-Go SQLite driver, following the teacher's own
// choice of glebarez/sqlite + modernc.org/sqlite for a CGO-free build.
package store

import "time"

// ConnectionStatus mirrors the health status enum of spec §3.
type ConnectionStatus string

const (
	StatusActive      ConnectionStatus = "active"
	StatusUnavailable ConnectionStatus = "unavailable"
)

// FallbackStrategy mirrors settings.fallbackStrategy.
type FallbackStrategy string

const (
	StrategyFillFirst  FallbackStrategy = "fill-first"
	StrategyRoundRobin FallbackStrategy = "round-robin"
)

// Machine is the root of one operator's document: settings plus foreign keys
// to the rest of the tables, all scoped by MachineID.
type Machine struct {
	ID                    uint      `gorm:"primaryKey"`
	MachineID             string    `gorm:"size:64;uniqueIndex;not null"`
	FallbackStrategy      string    `gorm:"size:32;default:fill-first"`
	StickyRoundRobinLimit int       `gorm:"default:3"`
	RequireAPIKey         bool      `gorm:"default:true"`
	ObservabilityJSON     string    `gorm:"type:text"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (Machine) TableName() string { return "machines" }

// APIKey is one issued proxy key (spec §3: apiKeys).
type APIKey struct {
	ID        uint   `gorm:"primaryKey"`
	MachineID string `gorm:"size:64;index;not null"`
	KeyID     string `gorm:"size:32;not null"`
	Key       string `gorm:"size:128;uniqueIndex;not null"`
	Name      string `gorm:"size:128"`
	IsActive  bool   `gorm:"default:true"`
	CreatedAt time.Time
}

func (APIKey) TableName() string { return "api_keys" }

// ProviderConnection is one credential of one provider (spec §3).
type ProviderConnection struct {
	ID           uint   `gorm:"primaryKey"`
	MachineID    string `gorm:"size:64;index:idx_conn_machine_provider;not null"`
	ConnectionID string `gorm:"size:64;uniqueIndex;not null"`
	Provider     string `gorm:"size:64;index:idx_conn_machine_provider;not null"`
	IsActive     bool   `gorm:"default:true"`
	Priority     int    `gorm:"default:100"`

	APIKey               *string `gorm:"size:512"`
	AccessToken          *string `gorm:"type:text"`
	RefreshToken         *string `gorm:"type:text"`
	ExpiresAt            *time.Time
	ProjectID            *string `gorm:"size:128"`
	ProviderSpecificJSON string  `gorm:"type:text"` // free-form bag, e.g. baseUrl, enabledModels

	// health triple
	Status           ConnectionStatus `gorm:"size:16;default:active"`
	LastError        string           `gorm:"type:text"`
	ErrorCode        string           `gorm:"size:16"`
	LastErrorAt      *time.Time
	RateLimitedUntil *time.Time
	BackoffLevel     int `gorm:"default:0"`

	// usage triple
	LastUsedAt          *time.Time
	ConsecutiveUseCount int `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProviderConnection) TableName() string { return "provider_connections" }

// Eligible reports connection eligibility per spec §3's invariant, excluding
// the model-lock clause (which is evaluated in-memory by internal/credpool).
func (c *ProviderConnection) Eligible(now time.Time, excludeID string) bool {
	if c.ConnectionID == excludeID {
		return false
	}
	if !c.IsActive {
		return false
	}
	if c.RateLimitedUntil != nil && c.RateLimitedUntil.After(now) {
		return false
	}
	return true
}

// ModelAlias maps a user-defined alias to a canonical provider/model string.
type ModelAlias struct {
	ID        uint   `gorm:"primaryKey"`
	MachineID string `gorm:"size:64;index:idx_alias_machine_name;not null"`
	Alias     string `gorm:"size:128;index:idx_alias_machine_name;not null"`
	Canonical string `gorm:"size:256;not null"` // "provider/model"
}

func (ModelAlias) TableName() string { return "model_aliases" }

// Combo is a named, ordered bundle of canonical models.
type Combo struct {
	ID         uint   `gorm:"primaryKey"`
	MachineID  string `gorm:"size:64;index:idx_combo_machine_name;not null"`
	Name       string `gorm:"size:128;index:idx_combo_machine_name;not null"`
	ModelsJSON string `gorm:"type:text;not null"` // JSON array of canonical "provider/model" strings
}

func (Combo) TableName() string { return "combos" }

// UsageRecord is a best-effort observability row (spec §4.6 step 10, §6).
type UsageRecord struct {
	ID               uint   `gorm:"primaryKey"`
	MachineID        string `gorm:"size:64;index"`
	Provider         string `gorm:"size:64"`
	Model            string `gorm:"size:128"`
	ConnectionID     string `gorm:"size:64"`
	SourceFormat     string `gorm:"size:32"`
	TargetFormat     string `gorm:"size:32"`
	Streaming        bool
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ContentLen       int
	ThinkingLen      int
	TTFTMillis       int64
	DurationMillis   int64
	StatusCode       int
	Error            string `gorm:"type:text"`
	CreatedAt        time.Time
}

func (UsageRecord) TableName() string { return "usage_records" }

// AllModels implements GORM's AutoMigrate argument list for the store.
func AllModels() []any {
	return []any{
		&Machine{}, &APIKey{}, &ProviderConnection{}, &ModelAlias{}, &Combo{}, &UsageRecord{},
	}
}
