package models

import "time"

// Counter is an atomically incremented per-job integer, e.g. processed chunks.
type Counter struct {
	Key       string    `gorm:"column:store_key;primaryKey;size:191"`
	Value     int64     `gorm:"not null;default:0"`
	ExpiresAt time.Time `gorm:"index"`
}

// StatCounter is one named aggregate (valid, invalid, risky, ...) for a job.
type StatCounter struct {
	JobID     string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"primaryKey;size:64"`
	Value     int64     `gorm:"not null;default:0"`
	ExpiresAt time.Time `gorm:"index"`
}
