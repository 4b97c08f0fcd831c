// models/idempotency_key.go
package models

import "time"

// IdempotencyKey stores the outcome of a mutating request so gateway retries
// replay the original response instead of re-running the mutation. A key
// presented with a different request hash is a conflict, not a replay.
// Table name: idempotency_keys
type IdempotencyKey struct {
	ID           string    `gorm:"primaryKey;type:uuid;not null" json:"id"`
	Key          string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"key"`
	UserID       string    `gorm:"type:uuid;index" json:"user_id"`
	Endpoint     string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	RequestHash  string    `gorm:"type:varchar(64);not null" json:"request_hash"`
	ResponseData string    `gorm:"type:text" json:"response_data,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}
