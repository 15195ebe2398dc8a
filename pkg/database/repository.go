package database

import (
	"time"

	"gorm.io/gorm"
)

// FlightRecorder persists the core's diagnostic event history — recovery
// restarts, underrun spikes, and clock-established transitions — never
// session configuration.
type FlightRecorder struct {
	db *gorm.DB
}

// NewFlightRecorder creates a new flight-recorder repository.
func NewFlightRecorder(db *gorm.DB) *FlightRecorder {
	return &FlightRecorder{db: db}
}

// RecordRecovery inserts one recovery event.
func (r *FlightRecorder) RecordRecovery(e *RecoveryEvent) error {
	return r.db.Create(e).Error
}

// RecordUnderrun inserts one underrun/discontinuity rollup event.
func (r *FlightRecorder) RecordUnderrun(e *UnderrunEvent) error {
	return r.db.Create(e).Error
}

// RecordClockEstablished inserts one clockEstablished transition event.
func (r *FlightRecorder) RecordClockEstablished(e *ClockEstablishedEvent) error {
	return r.db.Create(e).Error
}

// RecentRecoveries retrieves the most recent N recovery events for a
// session.
func (r *FlightRecorder) RecentRecoveries(sessionID string, limit int) ([]RecoveryEvent, error) {
	var events []RecoveryEvent
	err := r.db.Where("session_id = ?", sessionID).
		Order("occurred DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// RecentUnderruns retrieves the most recent N underrun events for a
// session, optionally filtered by kind.
func (r *FlightRecorder) RecentUnderruns(sessionID, kind string, limit int) ([]UnderrunEvent, error) {
	var events []UnderrunEvent
	q := r.db.Where("session_id = ?", sessionID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Order("occurred DESC").Limit(limit).Find(&events).Error
	return events, err
}

// RecentClockEstablishedEvents retrieves the most recent N
// clockEstablished transitions for a session.
func (r *FlightRecorder) RecentClockEstablishedEvents(sessionID string, limit int) ([]ClockEstablishedEvent, error) {
	var events []ClockEstablishedEvent
	err := r.db.Where("session_id = ?", sessionID).
		Order("occurred DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// DeleteOlderThan prunes every event table of rows older than before,
// returning the total number of rows removed.
func (r *FlightRecorder) DeleteOlderThan(before time.Time) (int64, error) {
	var total int64
	for _, model := range []interface{}{&RecoveryEvent{}, &UnderrunEvent{}, &ClockEstablishedEvent{}} {
		result := r.db.Where("occurred < ?", before).Delete(model)
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}
	return total, nil
}
