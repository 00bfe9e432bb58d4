package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Identity is the external
// identity-provider subject; exactly one row exists per identity.
type Account struct {
	AccountID      string     `gorm:"type:uuid;primaryKey"`
	Identity       string     `gorm:"not null;index:uniq_accounts_identity,unique"`
	BalanceCredits int64      `gorm:"not null;default:0"`
	LastGrantAt    *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Settlement mirrors the settlements table. The session_id primary key is
// the uniqueness constraint the settlement protocol leans on.
type Settlement struct {
	SessionID string         `gorm:"primaryKey"`
	Identity  string         `gorm:"not null;index:idx_settlements_identity,priority:1"`
	Metadata  datatypes.JSON `gorm:"not null"`
	SettledAt time.Time      `gorm:"not null;index:idx_settlements_identity,priority:2"`
}

func (Settlement) TableName() string { return "settlements" }
