package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
)

// Suffixes of the two artifacts the annotator leaves next to its input.
// The result name is a deterministic transform of the log name, which the
// thaw completer relies on to rebuild the result key from a registry record.
const (
	resultSuffix = ".annot.vcf"
	logSuffix    = ".vcf.count.log"
	countSuffix  = ".count.log"
)

// LaunchSpec describes one computation unit to start.
type LaunchSpec struct {
	JobID     uuid.UUID
	UserID    string
	Email     string
	InputPath string
	JobDir    string
}

// Runner launches the annotation computation as a detached unit of work.
// Start returns as soon as the unit is running; the unit's own completion
// path uploads artifacts, performs the completion update, and publishes the
// completion event.
type Runner interface {
	Start(ctx context.Context, spec LaunchSpec) error
}

// ExecRunner runs the annotator executable as a subprocess and supervises it
// in a background goroutine. The dispatcher's responsibility ends once Start
// returns; everything after process exit is the supervisor's contract.
type ExecRunner struct {
	command     string
	keyPrefix   string
	results     objstore.Store
	registry    registry.Store
	completions queue.Publisher
	logger      *slog.Logger
}

// NewExecRunner creates an ExecRunner. The completions publisher must wrap
// payloads in the fan-out envelope (queue.NewFanoutPublisher).
func NewExecRunner(command, keyPrefix string, results objstore.Store, reg registry.Store, completions queue.Publisher, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		command:     command,
		keyPrefix:   keyPrefix,
		results:     results,
		registry:    reg,
		completions: completions,
		logger:      logger,
	}
}

// Start launches the annotator subprocess. The context is not threaded into
// the command on purpose: the unit is detached and must outlive the
// dispatcher that launched it, so do not switch this to exec.CommandContext.
func (r *ExecRunner) Start(_ context.Context, spec LaunchSpec) error {
	cmd := exec.Command(r.command, spec.InputPath, spec.JobID.String(), spec.Email)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch annotator: %w", err)
	}

	r.logger.Info("annotator launched", "job_id", spec.JobID, "pid", cmd.Process.Pid)
	go r.supervise(cmd, spec)
	return nil
}

// supervise waits for the subprocess and runs the completion contract. The
// staging directory is removed on every exit path to bound disk usage.
func (r *ExecRunner) supervise(cmd *exec.Cmd, spec LaunchSpec) {
	ctx := context.Background()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic supervising annotator", "job_id", spec.JobID, "panic", p)
		}
	}()
	defer func() {
		if err := os.RemoveAll(spec.JobDir); err != nil {
			r.logger.Error("failed to clean staging dir", "job_id", spec.JobID, "dir", spec.JobDir, "error", err)
		}
	}()

	if err := cmd.Wait(); err != nil {
		r.logger.Error("annotator exited with error", "job_id", spec.JobID, "error", err)
		return
	}

	if err := r.report(ctx, spec); err != nil {
		r.logger.Error("completion reporting failed", "job_id", spec.JobID, "error", err)
	}
}

// report uploads every artifact from the staging directory, performs the
// unconditional completion update, and then publishes the completion event.
// The event is published only after the registry write commits.
func (r *ExecRunner) report(ctx context.Context, spec LaunchSpec) error {
	entries, err := os.ReadDir(spec.JobDir)
	if err != nil {
		return fmt.Errorf("read staging dir: %w", err)
	}

	prefix := path.Join(r.keyPrefix, spec.JobID.String())
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(spec.JobDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", e.Name(), err)
		}
		if err := r.results.Put(ctx, path.Join(prefix, e.Name()), data); err != nil {
			return fmt.Errorf("upload artifact %s: %w", e.Name(), err)
		}
	}

	base := filepath.Base(spec.InputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	resultKey := path.Join(prefix, stem+resultSuffix)
	logKey := path.Join(prefix, base+countSuffix)

	completeTime := time.Now().UTC()
	if err := r.registry.CompleteJob(ctx, spec.JobID, resultKey, logKey, completeTime); err != nil {
		return fmt.Errorf("completion update: %w", err)
	}

	payload, err := json.Marshal(models.CompletionEvent{
		JobID:          spec.JobID,
		UserID:         spec.UserID,
		ResultLocation: resultKey,
		LogLocation:    logKey,
		Email:          spec.Email,
		CompleteTime:   completeTime,
	})
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	if err := r.completions.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}

	r.logger.Info("job completed", "job_id", spec.JobID, "result", resultKey)
	return nil
}

// resultKeyFromLog rebuilds the result object key from the sibling log key.
func resultKeyFromLog(logKey string) string {
	return strings.Replace(logKey, logSuffix, resultSuffix, 1)
}
