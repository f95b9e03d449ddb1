package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
)

const dispatchBatch = 1

// Dispatcher consumes the submission channel: it stages the input file,
// wins (or loses) the PENDING to RUNNING race, and launches the computation
// unit. The message is acknowledged only after a successful launch-and-mark;
// a lost race is acknowledged without launching, which is what makes
// duplicate deliveries start the computation exactly once.
type Dispatcher struct {
	submissions queue.Consumer
	registry    registry.Store
	inputs      objstore.Store
	runner      Runner
	workDir     string
	blockWait   time.Duration
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(submissions queue.Consumer, reg registry.Store, inputs objstore.Store, runner Runner, workDir string, blockWait time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		submissions: submissions,
		registry:    reg,
		inputs:      inputs,
		runner:      runner,
		workDir:     workDir,
		blockWait:   blockWait,
		logger:      logger,
	}
}

// Run processes submissions until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return runLoop(ctx, "dispatcher", d.submissions, dispatchBatch, d.blockWait, d.logger, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, msg queue.Message) error {
	payload, err := queue.Unwrap(msg.Body)
	if err != nil {
		d.logger.Error("dropping malformed submission", "message_id", msg.ID, "error", err)
		return nil
	}

	var sub models.SubmissionMessage
	if err := json.Unmarshal(payload, &sub); err != nil {
		d.logger.Error("dropping undecodable submission", "message_id", msg.ID, "error", err)
		return nil
	}
	if sub.JobID == uuid.Nil || sub.InputLocation == "" || sub.UserID == "" {
		d.logger.Error("dropping submission with missing fields",
			"message_id", msg.ID, "job_id", sub.JobID, "user_id", sub.UserID, "input", sub.InputLocation)
		return nil
	}

	// Check before staging: a redelivered submission whose job already left
	// PENDING must not touch the staging directory at all. The winner's
	// supervisor owns it and may still be reading the input.
	job, err := d.registry.GetJob(ctx, sub.JobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			d.logger.Error("dropping submission for unknown job", "job_id", sub.JobID)
			return nil
		}
		return err
	}
	if job.Status != models.JobStatusPending {
		d.logger.Info("duplicate delivery, job already dispatched", "job_id", sub.JobID, "status", job.Status)
		return nil
	}

	inputPath, jobDir, err := d.stageInput(ctx, &sub)
	if err != nil {
		return err
	}

	// Guarded transition before launch: two dispatchers can both pass the
	// status check, but only one wins the transition and launches.
	won, err := d.registry.MarkRunning(ctx, sub.JobID)
	if err != nil {
		return err
	}
	if !won {
		// The winner's supervisor cleans the shared staging directory on
		// every exit path; deleting it here would pull it out from under a
		// live computation.
		d.logger.Info("lost dispatch race, job already dispatched", "job_id", sub.JobID)
		return nil
	}

	if err := d.runner.Start(ctx, LaunchSpec{
		JobID:     sub.JobID,
		UserID:    sub.UserID,
		Email:     sub.Email,
		InputPath: inputPath,
		JobDir:    jobDir,
	}); err != nil {
		return err
	}

	d.logger.Info("job dispatched", "job_id", sub.JobID, "user_id", sub.UserID)
	return nil
}

// stageInput fetches the input object into a per-job staging directory.
func (d *Dispatcher) stageInput(ctx context.Context, sub *models.SubmissionMessage) (string, string, error) {
	jobDir := filepath.Join(d.workDir, sub.JobID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create staging dir: %w", err)
	}

	data, err := d.inputs.Get(ctx, sub.InputLocation)
	if err != nil {
		return "", "", fmt.Errorf("fetch input %s: %w", sub.InputLocation, err)
	}

	name := sub.InputFileName
	if name == "" {
		name = filepath.Base(sub.InputLocation)
	}
	inputPath := filepath.Join(jobDir, name)
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("stage input: %w", err)
	}
	return inputPath, jobDir, nil
}
