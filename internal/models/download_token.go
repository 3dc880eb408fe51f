package models

import "time"

// DownloadToken is a single-use reference to a job's final artifact.
type DownloadToken struct {
	Token     string    `gorm:"primaryKey;size:64"`
	JobID     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}
