package gormstore

import "time"

// Account is a user account. A merged account keeps its row with
// MergedInto pointing at the surviving account.
type Account struct {
	ID         string     `gorm:"column:id;primaryKey;size:64"`
	Channel    string     `gorm:"column:channel;size:32"`
	Mobile     string     `gorm:"column:mobile;size:32;index"`
	MergedInto *string    `gorm:"column:merged_into;size:64"`
	Deleted    bool       `gorm:"column:deleted;not null;default:false"`
	MergedAt   *time.Time `gorm:"column:merged_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }

// AccountIdentity links an external login to an account.
type AccountIdentity struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID  string    `gorm:"column:account_id;size:64;index"`
	Channel    string    `gorm:"column:channel;size:32"`
	ExternalID string    `gorm:"column:external_id;size:128;uniqueIndex"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (AccountIdentity) TableName() string { return "account_identities" }

// MergeLog records every applied merge by event id.
type MergeLog struct {
	EventID  string    `gorm:"column:event_id;primaryKey;size:64"`
	Source   string    `gorm:"column:source;size:64;index"`
	Target   string    `gorm:"column:target;size:64;index"`
	MergedAt time.Time `gorm:"column:merged_at"`
}

func (MergeLog) TableName() string { return "merge_logs" }
