package models

import (
	"time"

	"github.com/google/uuid"
)

// Wire payloads carried on the Redis streams. All are plain JSON; fan-out
// messages additionally travel inside a one-level notification envelope
// (see internal/queue).

// SubmissionMessage announces a freshly created PENDING job to the
// dispatchers. InputLocation is the object key of the staged input in the
// inputs bucket.
type SubmissionMessage struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id"`
	InputFileName string    `json:"input_file_name"`
	InputLocation string    `json:"input_location"`
	Email         string    `json:"email"`
	SubmitTime    time.Time `json:"submit_time"`
}

// CompletionEvent is published on the notification bus after the completion
// update has committed. Archival and user notification both key off it.
type CompletionEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	ResultLocation string    `json:"result_location"`
	LogLocation    string    `json:"log_location"`
	Email          string    `json:"email"`
	CompleteTime   time.Time `json:"complete_time"`
}

// UpgradeEvent is published when a user moves to the premium tier.
type UpgradeEvent struct {
	UserID string `json:"user_id"`
}

// Retrieval callback status codes, as reported by the cold store.
const (
	RetrievalSucceeded = "Succeeded"
	RetrievalFailed    = "Failed"
)

// RetrievalCallback is the cold store's out-of-band notice that an archive
// retrieval finished. RetrievalID is the provider-side job identifier handed
// back by InitiateRetrieval.
type RetrievalCallback struct {
	RetrievalID   string `json:"retrieval_id"`
	ArchiveHandle string `json:"archive_handle"`
	StatusCode    string `json:"status_code"`
}
