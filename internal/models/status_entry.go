package models

import "time"

// StatusEntry holds one serialized job record keyed by its store key.
type StatusEntry struct {
	Key        string    `gorm:"column:store_key;primaryKey;size:191"`
	Value      string    `gorm:"type:text;not null"`
	UploadedAt time.Time `gorm:"index"`
	ExpiresAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}
