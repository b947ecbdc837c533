package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID      string    `gorm:"primaryKey"`
	Currency       string    `gorm:"not null"`
	BalanceMinor   int64     `gorm:"not null"`
	AllowOverdraft bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. A transfer writes two rows
// under the same idempotency key, so the key column is indexed but not unique.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	AccountID         string         `gorm:"not null;index:idx_entries_account_created,priority:1"`
	AmountMinor       int64          `gorm:"not null"`
	BalanceAfterMinor int64          `gorm:"not null"`
	IdempotencyKey    string         `gorm:"not null;index:idx_entries_idem"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord mirrors the idempotency_records table.
type IdempotencyRecord struct {
	Key                string    `gorm:"primaryKey"`
	RequestHash        string    `gorm:"not null"`
	Status             string    `gorm:"not null"`
	Result             []byte    `gorm:""`
	CompletedAtUnixUTC int64     `gorm:"not null"`
	ExpiresAtUnixUTC   int64     `gorm:"not null;index:idx_idem_expires"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Event mirrors the events table. The (aggregate_id, version) pair is unique;
// the stream head lock makes collisions on it a lost race, not data loss.
type Event struct {
	EventID       string         `gorm:"type:uuid;primaryKey"`
	AggregateID   string         `gorm:"not null;index:uniq_events_aggregate_version,unique,priority:1"`
	AggregateType string         `gorm:"not null"`
	EventType     string         `gorm:"not null"`
	Version       int64          `gorm:"not null;index:uniq_events_aggregate_version,unique,priority:2"`
	Payload       datatypes.JSON `gorm:""`
	CorrelationID string         `gorm:""`
	CausationID   string         `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (Event) TableName() string { return "events" }

// EventStream is the per-aggregate stream head used to serialize version
// assignment.
type EventStream struct {
	AggregateID   string    `gorm:"primaryKey"`
	AggregateType string    `gorm:"not null"`
	Version       int64     `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (EventStream) TableName() string { return "event_streams" }

// QueueItem mirrors the queue_items table. The partial unique index keeps at
// most one live item per (queue_name, idempotency_key); finished rows keep
// the key so enqueue dedup can match recently succeeded items.
type QueueItem struct {
	ItemID                string    `gorm:"type:uuid;primaryKey"`
	QueueName             string    `gorm:"not null;index:idx_queue_claim,priority:1;uniqueIndex:uniq_queue_live_key,priority:1"`
	Payload               []byte    `gorm:""`
	Priority              int       `gorm:"not null"`
	ScheduledAtUnixUTC    int64     `gorm:"not null;index:idx_queue_claim,priority:3"`
	Status                string    `gorm:"not null;index:idx_queue_claim,priority:2"`
	Attempts              int       `gorm:"not null"`
	MaxAttempts           int       `gorm:"not null"`
	LastError             string    `gorm:""`
	IdempotencyKey        string    `gorm:"index:idx_queue_idem;uniqueIndex:uniq_queue_live_key,priority:2,where:idempotency_key <> '' AND (status = 'pending' OR status = 'processing')"`
	ClaimToken            string    `gorm:"index:idx_queue_claim_token"`
	ClaimedBy             string    `gorm:""`
	LeaseExpiresAtUnixUTC int64     `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (QueueItem) TableName() string { return "queue_items" }

// ThrottleCounter mirrors the throttle_counters table, one row per bucket per
// fixed window.
type ThrottleCounter struct {
	BucketID           string `gorm:"primaryKey"`
	WindowStartUnixUTC int64  `gorm:"primaryKey;autoIncrement:false"`
	Count              int64  `gorm:"not null"`
	Cap                int64  `gorm:"not null"`
	ExpiresAtUnixUTC   int64  `gorm:"not null;index:idx_throttle_expires"`
}

func (ThrottleCounter) TableName() string { return "throttle_counters" }

// ConversationLock mirrors the conversation_locks table.
type ConversationLock struct {
	ConversationID    string `gorm:"primaryKey"`
	Token             string `gorm:"not null"`
	HolderID          string `gorm:"not null"`
	TTLSeconds        int64  `gorm:"not null"`
	AcquiredAtUnixUTC int64  `gorm:"not null"`
	ExpiresAtUnixUTC  int64  `gorm:"not null;index:idx_locks_expires"`
}

func (ConversationLock) TableName() string { return "conversation_locks" }

// Migrate creates or updates all txcore tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&IdempotencyRecord{},
		&Event{},
		&EventStream{},
		&QueueItem{},
		&ThrottleCounter{},
		&ConversationLock{},
	)
}
