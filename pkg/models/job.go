package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusArchived  = "ARCHIVED"
	JobStatusRestoring = "RESTORING"
)

// Job is the durable record for one annotation request. The registry row is
// the single source of truth for job status; workers mutate it with
// single-row conditional or unconditional writes, never transactions.
//
// For any job whose results exist, exactly one of ResultLocation and
// ArchiveHandle is set: the result lives either in the hot store or in the
// cold archive, never both.
type Job struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	UserID         string     `db:"user_id"         json:"user_id"`
	InputFileName  string     `db:"input_file_name" json:"input_file_name"`
	InputLocation  string     `db:"input_location"  json:"input_location"`
	Status         string     `db:"status"          json:"status"`
	SubmitTime     time.Time  `db:"submit_time"     json:"submit_time"`
	CompleteTime   *time.Time `db:"complete_time"   json:"complete_time,omitempty"`
	ResultLocation *string    `db:"result_location" json:"result_location,omitempty"`
	LogLocation    *string    `db:"log_location"    json:"log_location,omitempty"`
	ArchiveHandle  *string    `db:"archive_handle"  json:"-"`
}

// ResultAvailable reports whether the result object can be fetched from the
// hot store right now.
func (j *Job) ResultAvailable() bool {
	return j.ResultLocation != nil && *j.ResultLocation != ""
}
