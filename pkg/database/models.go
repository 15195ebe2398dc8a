package database

import (
	"time"

	"gorm.io/gorm"
)

// RecoveryEvent records one IsochTxRecoveryController-granted IT engine
// restart: the consumed reason mask and a sequence id. This is
// flight-recorder history, not persisted session configuration.
type RecoveryEvent struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	SessionID   string    `gorm:"index;size:36;not null" json:"session_id"`
	Sequence    uint64    `gorm:"not null" json:"sequence"`
	ReasonMask  uint32    `gorm:"not null" json:"reason_mask"`
	Fatal       bool      `gorm:"not null" json:"fatal"`
	Occurred    time.Time `gorm:"index;not null" json:"occurred"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for RecoveryEvent.
func (RecoveryEvent) TableName() string { return "recovery_events" }

// BeforeCreate stamps CreatedAt/Occurred if unset.
func (e *RecoveryEvent) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Occurred.IsZero() {
		e.Occurred = e.CreatedAt
	}
	return nil
}

// UnderrunEvent records one TX underrun or RX discontinuity spike, rolled
// up at whatever cadence the caller chooses to flush diagnostics (the
// hot path itself only ever increments an in-memory counter, per spec §5
// "No allocation after start").
type UnderrunEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	SessionID string    `gorm:"index;size:36;not null" json:"session_id"`
	Kind      string    `gorm:"index;size:32;not null" json:"kind"` // "tx_underrun" | "rx_discontinuity" | "cursor_reset"
	Count     uint64    `gorm:"not null" json:"count"`
	Occurred  time.Time `gorm:"index;not null" json:"occurred"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for UnderrunEvent.
func (UnderrunEvent) TableName() string { return "underrun_events" }

// BeforeCreate stamps CreatedAt/Occurred if unset.
func (e *UnderrunEvent) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Occurred.IsZero() {
		e.Occurred = e.CreatedAt
	}
	return nil
}

// ClockEstablishedEvent records one external-sync bridge
// clockEstablished transition (spec §3: set after 16 consecutive valid
// samples; cleared on active-low or 100ms staleness).
type ClockEstablishedEvent struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	SessionID   string    `gorm:"index;size:36;not null" json:"session_id"`
	Established bool      `gorm:"not null" json:"established"`
	Occurred    time.Time `gorm:"index;not null" json:"occurred"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for ClockEstablishedEvent.
func (ClockEstablishedEvent) TableName() string { return "clock_established_events" }

// BeforeCreate stamps CreatedAt/Occurred if unset.
func (e *ClockEstablishedEvent) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Occurred.IsZero() {
		e.Occurred = e.CreatedAt
	}
	return nil
}
