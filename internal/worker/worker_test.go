package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asampat/glaciate/internal/coldstore"
	"github.com/asampat/glaciate/internal/profile"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry is an in-memory registry.Store with the same conditional
// update semantics as the postgres implementation.
type fakeRegistry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{jobs: make(map[uuid.UUID]*models.Job)}
}

func (f *fakeRegistry) Ping(context.Context) error { return nil }

func (f *fakeRegistry) CreateJob(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; ok {
		return registry.ErrDuplicateKey
	}
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeRegistry) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeRegistry) ListJobsByUser(_ context.Context, userID string) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, job := range f.jobs {
		if job.UserID == userID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListJobsByArchiveHandle(_ context.Context, handle string) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, job := range f.jobs {
		if job.ArchiveHandle != nil && *job.ArchiveHandle == handle {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRegistry) MarkRunning(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		return false, nil
	}
	job.Status = models.JobStatusRunning
	return true, nil
}

func (f *fakeRegistry) CompleteJob(_ context.Context, id uuid.UUID, resultLocation, logLocation string, completeTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return registry.ErrNotFound
	}
	job.Status = models.JobStatusCompleted
	job.ResultLocation = &resultLocation
	job.LogLocation = &logLocation
	job.CompleteTime = &completeTime
	return nil
}

func (f *fakeRegistry) ArchiveJob(_ context.Context, id uuid.UUID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return registry.ErrNotFound
	}
	job.Status = models.JobStatusArchived
	job.ArchiveHandle = &handle
	job.ResultLocation = nil
	return nil
}

func (f *fakeRegistry) MarkRestoring(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobStatusArchived {
		return false, nil
	}
	job.Status = models.JobStatusRestoring
	return true, nil
}

func (f *fakeRegistry) RestoreResult(_ context.Context, id uuid.UUID, resultLocation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return registry.ErrNotFound
	}
	job.Status = models.JobStatusCompleted
	job.ResultLocation = &resultLocation
	job.ArchiveHandle = nil
	return nil
}

func (f *fakeRegistry) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// fakeObjStore is an in-memory objstore.Store.
type fakeObjStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjStore() *fakeObjStore {
	return &fakeObjStore{objects: make(map[string][]byte)}
}

func (f *fakeObjStore) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: no such object", key)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeObjStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjStore) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.test/" + key, nil
}

func (f *fakeObjStore) contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// fakeRunner records launches instead of spawning subprocesses.
type fakeRunner struct {
	mu       sync.Mutex
	launches []LaunchSpec
	startErr error
}

func (f *fakeRunner) Start(_ context.Context, spec LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.launches = append(f.launches, spec)
	return nil
}

func (f *fakeRunner) launched() []LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchSpec(nil), f.launches...)
}

// fakeProfiles is an in-memory profile.Service.
type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*models.UserProfile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*models.UserProfile)}
}

func (f *fakeProfiles) add(userID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = &models.UserProfile{ID: userID, Role: role}
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, profile.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfiles) UpdateRole(_ context.Context, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return profile.ErrNotFound
	}
	p.Role = role
	return nil
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, p *models.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.profiles[p.ID] = &cp
	return nil
}

// fakeMailer records sent mail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

func wrapped(t *testing.T, v any) queue.Message {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	body, err := queue.Wrap(payload)
	require.NoError(t, err)
	return queue.Message{ID: "m1", Body: body}
}

func pendingJob(reg *fakeRegistry, userID string) *models.Job {
	job := &models.Job{
		ID:            uuid.New(),
		UserID:        userID,
		InputFileName: "sample.vcf",
		InputLocation: "inputs/" + userID + "/sample.vcf",
		Status:        models.JobStatusPending,
		SubmitTime:    time.Now().UTC(),
	}
	_ = reg.CreateJob(context.Background(), job)
	return job
}

func TestResultKeyFromLog(t *testing.T) {
	assert.Equal(t, "results/j1/sample.annot.vcf", resultKeyFromLog("results/j1/sample.vcf.count.log"))
	assert.Equal(t, "plain.txt", resultKeyFromLog("plain.txt"))
}

func TestDispatcherLaunchesPendingJob(t *testing.T) {
	reg := newFakeRegistry()
	inputs := newFakeObjStore()
	runner := &fakeRunner{}
	workDir := t.TempDir()

	job := pendingJob(reg, "user-1")
	require.NoError(t, inputs.Put(context.Background(), job.InputLocation, []byte("vcf data")))

	d := NewDispatcher(queue.NewMemory(time.Minute), reg, inputs, runner, workDir, time.Second, testLogger())

	msg := wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputFileName: job.InputFileName,
		InputLocation: job.InputLocation,
		Email:         "user@example.com",
	})
	require.NoError(t, d.handle(context.Background(), msg))

	launches := runner.launched()
	require.Len(t, launches, 1)
	assert.Equal(t, job.ID, launches[0].JobID)
	assert.Equal(t, "user@example.com", launches[0].Email)

	staged, err := os.ReadFile(launches[0].InputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("vcf data"), staged)

	assert.Equal(t, models.JobStatusRunning, reg.get(t, job.ID).Status)
}

func TestDispatcherDuplicateDeliveryLaunchesOnce(t *testing.T) {
	reg := newFakeRegistry()
	inputs := newFakeObjStore()
	runner := &fakeRunner{}
	workDir := t.TempDir()

	job := pendingJob(reg, "user-1")
	require.NoError(t, inputs.Put(context.Background(), job.InputLocation, []byte("vcf data")))

	d := NewDispatcher(queue.NewMemory(time.Minute), reg, inputs, runner, workDir, time.Second, testLogger())
	msg := wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputLocation: job.InputLocation,
	})

	require.NoError(t, d.handle(context.Background(), msg))
	require.NoError(t, d.handle(context.Background(), msg))

	assert.Len(t, runner.launched(), 1)
	assert.Equal(t, models.JobStatusRunning, reg.get(t, job.ID).Status)

	// The duplicate stages nothing and touches nothing: the winner's staging
	// dir and input are exactly as the launch left them.
	inputPath := filepath.Join(workDir, job.ID.String(), "sample.vcf")
	staged, err := os.ReadFile(inputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("vcf data"), staged)
}

func TestDispatcherDuplicateKeepsLiveStagingDir(t *testing.T) {
	reg := newFakeRegistry()
	inputs := newFakeObjStore()
	results := newFakeObjStore()
	completions := queue.NewMemory(time.Minute)
	workDir := t.TempDir()

	job := pendingJob(reg, "user-1")
	require.NoError(t, inputs.Put(context.Background(), job.InputLocation, []byte("vcf data")))

	// A slow annotator, so the duplicate arrives while it is still running.
	script := filepath.Join(t.TempDir(), "annotate.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 1\n"), 0o755))

	runner := NewExecRunner(script, "results", results, reg, queue.NewFanoutPublisher(completions), testLogger())
	d := NewDispatcher(queue.NewMemory(time.Minute), reg, inputs, runner, workDir, time.Second, testLogger())

	msg := wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputFileName: job.InputFileName,
		InputLocation: job.InputLocation,
	})
	require.NoError(t, d.handle(context.Background(), msg))
	require.NoError(t, d.handle(context.Background(), msg))

	// The duplicate must leave the running annotator's staging dir alone.
	jobDir := filepath.Join(workDir, job.ID.String())
	_, err := os.Stat(jobDir)
	require.NoError(t, err)
	staged, err := os.ReadFile(filepath.Join(jobDir, "sample.vcf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vcf data"), staged)

	// The annotator still finishes and reports completion.
	require.Eventually(t, func() bool {
		return completions.Size() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.JobStatusCompleted, reg.get(t, job.ID).Status)

	// Its supervisor, not the duplicate, cleans the staging dir.
	require.Eventually(t, func() bool {
		_, err := os.Stat(jobDir)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDispatcherDropsMalformedMessages(t *testing.T) {
	reg := newFakeRegistry()
	runner := &fakeRunner{}
	d := NewDispatcher(queue.NewMemory(time.Minute), reg, newFakeObjStore(), runner, t.TempDir(), time.Second, testLogger())

	cases := []struct {
		name string
		body []byte
	}{
		{"not an envelope", []byte("garbage")},
		{"payload not json", mustWrap(t, []byte("not json"))},
		{"missing fields", mustWrap(t, []byte(`{"user_id":"u"}`))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := d.handle(context.Background(), queue.Message{ID: "m", Body: tc.body})
			assert.NoError(t, err)
		})
	}
	assert.Empty(t, runner.launched())
}

func mustWrap(t *testing.T, payload []byte) []byte {
	t.Helper()
	body, err := queue.Wrap(payload)
	require.NoError(t, err)
	return body
}

func TestDispatcherDropsSubmissionForUnknownJob(t *testing.T) {
	reg := newFakeRegistry()
	runner := &fakeRunner{}
	d := NewDispatcher(queue.NewMemory(time.Minute), reg, newFakeObjStore(), runner, t.TempDir(), time.Second, testLogger())

	msg := wrapped(t, models.SubmissionMessage{
		JobID:         uuid.New(),
		UserID:        "user-1",
		InputLocation: "inputs/user-1/sample.vcf",
	})
	require.NoError(t, d.handle(context.Background(), msg))
	assert.Empty(t, runner.launched())
}

func TestDispatcherRetriesWhenInputMissing(t *testing.T) {
	reg := newFakeRegistry()
	runner := &fakeRunner{}
	d := NewDispatcher(queue.NewMemory(time.Minute), reg, newFakeObjStore(), runner, t.TempDir(), time.Second, testLogger())

	job := pendingJob(reg, "user-1")
	msg := wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputLocation: job.InputLocation,
	})

	err := d.handle(context.Background(), msg)
	require.Error(t, err)
	assert.Empty(t, runner.launched())
	assert.Equal(t, models.JobStatusPending, reg.get(t, job.ID).Status)
}

func TestDispatcherRetriesWhenLaunchFails(t *testing.T) {
	reg := newFakeRegistry()
	inputs := newFakeObjStore()
	runner := &fakeRunner{startErr: errors.New("exec format error")}

	job := pendingJob(reg, "user-1")
	require.NoError(t, inputs.Put(context.Background(), job.InputLocation, []byte("data")))

	d := NewDispatcher(queue.NewMemory(time.Minute), reg, inputs, runner, t.TempDir(), time.Second, testLogger())
	msg := wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputLocation: job.InputLocation,
	})

	err := d.handle(context.Background(), msg)
	require.Error(t, err)
	// The job stays RUNNING; the redelivered message fails the status check
	// and is dropped without re-staging or a second launch.
	assert.Equal(t, models.JobStatusRunning, reg.get(t, job.ID).Status)
	require.NoError(t, d.handle(context.Background(), msg))
	assert.Empty(t, runner.launched())
}

func completedJob(reg *fakeRegistry, userID, resultKey, logKey string) *models.Job {
	job := pendingJob(reg, userID)
	_, _ = reg.MarkRunning(context.Background(), job.ID)
	_ = reg.CompleteJob(context.Background(), job.ID, resultKey, logKey, time.Now().UTC())
	return reg.jobs[job.ID]
}

func TestArchiverMovesFreeUserResultToVault(t *testing.T) {
	reg := newFakeRegistry()
	results := newFakeObjStore()
	vault := coldstore.NewMemory(3)
	profiles := newFakeProfiles()
	profiles.add("user-1", models.RoleFreeUser)

	resultKey := "results/j1/sample.annot.vcf"
	logKey := "results/j1/sample.vcf.count.log"
	job := completedJob(reg, "user-1", resultKey, logKey)
	require.NoError(t, results.Put(context.Background(), resultKey, []byte("annotated")))

	a := NewArchiver(queue.NewMemory(time.Minute), reg, results, vault, profiles, time.Second, testLogger())
	msg := wrapped(t, models.CompletionEvent{JobID: job.ID, UserID: job.UserID, ResultLocation: resultKey})
	require.NoError(t, a.handle(context.Background(), msg))

	got := reg.get(t, job.ID)
	assert.Equal(t, models.JobStatusArchived, got.Status)
	assert.Nil(t, got.ResultLocation)
	require.NotNil(t, got.ArchiveHandle)
	assert.True(t, vault.Contains(*got.ArchiveHandle))
	assert.False(t, results.contains(resultKey))
}

func TestArchiverSkipsPremiumUser(t *testing.T) {
	reg := newFakeRegistry()
	results := newFakeObjStore()
	vault := coldstore.NewMemory(3)
	profiles := newFakeProfiles()
	profiles.add("user-1", models.RolePremiumUser)

	resultKey := "results/j1/sample.annot.vcf"
	job := completedJob(reg, "user-1", resultKey, "results/j1/sample.vcf.count.log")
	require.NoError(t, results.Put(context.Background(), resultKey, []byte("annotated")))

	a := NewArchiver(queue.NewMemory(time.Minute), reg, results, vault, profiles, time.Second, testLogger())
	msg := wrapped(t, models.CompletionEvent{JobID: job.ID, UserID: job.UserID, ResultLocation: resultKey})
	require.NoError(t, a.handle(context.Background(), msg))

	got := reg.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.True(t, results.contains(resultKey))
	assert.Empty(t, vault.Retrievals())
}

func TestArchiverRedeliveryAfterPartialArchive(t *testing.T) {
	reg := newFakeRegistry()
	results := newFakeObjStore()
	vault := coldstore.NewMemory(3)
	profiles := newFakeProfiles()
	profiles.add("user-1", models.RoleFreeUser)

	resultKey := "results/j1/sample.annot.vcf"
	job := completedJob(reg, "user-1", resultKey, "results/j1/sample.vcf.count.log")
	require.NoError(t, results.Put(context.Background(), resultKey, []byte("annotated")))
	// Registry write committed, hot delete did not happen yet.
	require.NoError(t, reg.ArchiveJob(context.Background(), job.ID, "archive-1"))

	a := NewArchiver(queue.NewMemory(time.Minute), reg, results, vault, profiles, time.Second, testLogger())
	msg := wrapped(t, models.CompletionEvent{JobID: job.ID, UserID: job.UserID, ResultLocation: resultKey})
	require.NoError(t, a.handle(context.Background(), msg))

	assert.False(t, results.contains(resultKey))
	got := reg.get(t, job.ID)
	require.NotNil(t, got.ArchiveHandle)
	assert.Equal(t, "archive-1", *got.ArchiveHandle)
}

func TestArchiverDropsUnknownJob(t *testing.T) {
	a := NewArchiver(queue.NewMemory(time.Minute), newFakeRegistry(), newFakeObjStore(),
		coldstore.NewMemory(3), newFakeProfiles(), time.Second, testLogger())

	msg := wrapped(t, models.CompletionEvent{JobID: uuid.New(), UserID: "ghost"})
	assert.NoError(t, a.handle(context.Background(), msg))
}

func TestArchiverRetriesWhenHotObjectUnreadable(t *testing.T) {
	reg := newFakeRegistry()
	profiles := newFakeProfiles()
	profiles.add("user-1", models.RoleFreeUser)

	resultKey := "results/j1/sample.annot.vcf"
	job := completedJob(reg, "user-1", resultKey, "results/j1/sample.vcf.count.log")

	a := NewArchiver(queue.NewMemory(time.Minute), reg, newFakeObjStore(), coldstore.NewMemory(3), profiles, time.Second, testLogger())
	msg := wrapped(t, models.CompletionEvent{JobID: job.ID, UserID: job.UserID, ResultLocation: resultKey})
	assert.Error(t, a.handle(context.Background(), msg))
	assert.Equal(t, models.JobStatusCompleted, reg.get(t, job.ID).Status)
}

func archivedJob(t *testing.T, reg *fakeRegistry, vault *coldstore.Memory, userID string, data []byte) *models.Job {
	t.Helper()
	logKey := "results/" + uuid.NewString() + "/sample.vcf.count.log"
	job := completedJob(reg, userID, resultKeyFromLog(logKey), logKey)
	handle, err := vault.Upload(context.Background(), data)
	require.NoError(t, err)
	require.NoError(t, reg.ArchiveJob(context.Background(), job.ID, handle))
	return reg.get(t, job.ID)
}

func TestRestorerInitiatesRetrievalsForArchivedJobs(t *testing.T) {
	reg := newFakeRegistry()
	vault := coldstore.NewMemory(3)

	a1 := archivedJob(t, reg, vault, "user-1", []byte("one"))
	a2 := archivedJob(t, reg, vault, "user-1", []byte("two"))
	hot := completedJob(reg, "user-1", "results/hot/sample.annot.vcf", "results/hot/sample.vcf.count.log")
	other := archivedJob(t, reg, vault, "user-2", []byte("three"))

	r := NewRestorer(queue.NewMemory(time.Minute), reg, vault, time.Second, testLogger())
	payload, err := json.Marshal(models.UpgradeEvent{UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, r.handle(context.Background(), queue.Message{ID: "m1", Body: payload}))

	assert.Equal(t, models.JobStatusRestoring, reg.get(t, a1.ID).Status)
	assert.Equal(t, models.JobStatusRestoring, reg.get(t, a2.ID).Status)
	assert.Equal(t, models.JobStatusCompleted, reg.get(t, hot.ID).Status)
	assert.Equal(t, models.JobStatusArchived, reg.get(t, other.ID).Status)

	retrievals := vault.Retrievals()
	require.Len(t, retrievals, 2)
	for _, ret := range retrievals {
		assert.Equal(t, coldstore.TierExpedited, ret.Tier)
	}
}

func TestRestorerFallsBackToStandardTier(t *testing.T) {
	reg := newFakeRegistry()
	vault := coldstore.NewMemory(1)

	a1 := archivedJob(t, reg, vault, "user-1", []byte("one"))
	a2 := archivedJob(t, reg, vault, "user-1", []byte("two"))

	r := NewRestorer(queue.NewMemory(time.Minute), reg, vault, time.Second, testLogger())
	payload, err := json.Marshal(models.UpgradeEvent{UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, r.handle(context.Background(), queue.Message{ID: "m1", Body: payload}))

	assert.Equal(t, models.JobStatusRestoring, reg.get(t, a1.ID).Status)
	assert.Equal(t, models.JobStatusRestoring, reg.get(t, a2.ID).Status)

	tiers := map[coldstore.Tier]int{}
	for _, ret := range vault.Retrievals() {
		tiers[ret.Tier]++
	}
	assert.Equal(t, 1, tiers[coldstore.TierExpedited])
	assert.Equal(t, 1, tiers[coldstore.TierStandard])
}

func TestRestorerIdempotentOnRedelivery(t *testing.T) {
	reg := newFakeRegistry()
	vault := coldstore.NewMemory(3)
	job := archivedJob(t, reg, vault, "user-1", []byte("one"))

	r := NewRestorer(queue.NewMemory(time.Minute), reg, vault, time.Second, testLogger())
	payload, err := json.Marshal(models.UpgradeEvent{UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, r.handle(context.Background(), queue.Message{ID: "m1", Body: payload}))
	require.NoError(t, r.handle(context.Background(), queue.Message{ID: "m1", Body: payload}))

	assert.Equal(t, models.JobStatusRestoring, reg.get(t, job.ID).Status)
	assert.Len(t, vault.Retrievals(), 1)
}

func TestRestorerDropsUndecodableEvent(t *testing.T) {
	r := NewRestorer(queue.NewMemory(time.Minute), newFakeRegistry(), coldstore.NewMemory(3), time.Second, testLogger())
	assert.NoError(t, r.handle(context.Background(), queue.Message{ID: "m1", Body: []byte("garbage")}))
}

func TestThawCompleterRestoresResult(t *testing.T) {
	reg := newFakeRegistry()
	results := newFakeObjStore()
	vault := coldstore.NewMemory(3)

	job := archivedJob(t, reg, vault, "user-1", []byte("annotated bytes"))
	handle := *job.ArchiveHandle
	retrievalID, err := vault.InitiateRetrieval(context.Background(), handle, coldstore.TierExpedited)
	require.NoError(t, err)
	_, _ = reg.MarkRestoring(context.Background(), job.ID)
	vault.Complete(retrievalID)

	tc := NewThawCompleter(queue.NewMemory(time.Minute), reg, results, vault, time.Second, testLogger())
	msg := wrapped(t, models.RetrievalCallback{
		RetrievalID:   retrievalID,
		ArchiveHandle: handle,
		StatusCode:    models.RetrievalSucceeded,
	})
	require.NoError(t, tc.handle(context.Background(), msg))

	got := reg.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Nil(t, got.ArchiveHandle)
	require.NotNil(t, got.ResultLocation)
	assert.Equal(t, resultKeyFromLog(*got.LogLocation), *got.ResultLocation)

	data, err := results.Get(context.Background(), *got.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, []byte("annotated bytes"), data)

	// Archive copy is gone once the hot copy exists again.
	assert.False(t, vault.Contains(handle))
}

func TestThawCompleterAcksFailedRetrieval(t *testing.T) {
	reg := newFakeRegistry()
	vault := coldstore.NewMemory(3)
	job := archivedJob(t, reg, vault, "user-1", []byte("data"))

	tc := NewThawCompleter(queue.NewMemory(time.Minute), reg, newFakeObjStore(), vault, time.Second, testLogger())
	msg := wrapped(t, models.RetrievalCallback{
		RetrievalID:   "retrieval-x",
		ArchiveHandle: *job.ArchiveHandle,
		StatusCode:    models.RetrievalFailed,
	})
	require.NoError(t, tc.handle(context.Background(), msg))

	assert.Equal(t, models.JobStatusArchived, reg.get(t, job.ID).Status)
	assert.True(t, vault.Contains(*job.ArchiveHandle))
}

func TestThawCompleterKeepsArchiveWhenNoJobsMatch(t *testing.T) {
	reg := newFakeRegistry()
	vault := coldstore.NewMemory(3)

	handle, err := vault.Upload(context.Background(), []byte("orphan"))
	require.NoError(t, err)
	retrievalID, err := vault.InitiateRetrieval(context.Background(), handle, coldstore.TierStandard)
	require.NoError(t, err)
	vault.Complete(retrievalID)

	tc := NewThawCompleter(queue.NewMemory(time.Minute), reg, newFakeObjStore(), vault, time.Second, testLogger())
	msg := wrapped(t, models.RetrievalCallback{
		RetrievalID:   retrievalID,
		ArchiveHandle: handle,
		StatusCode:    models.RetrievalSucceeded,
	})
	require.NoError(t, tc.handle(context.Background(), msg))

	assert.True(t, vault.Contains(handle))
}

func TestNotifierSendsCompletionEmail(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(queue.NewMemory(time.Minute), mailer, "https://glaciate.test", time.Second, testLogger())

	msg := wrapped(t, models.CompletionEvent{
		JobID:        uuid.New(),
		Email:        "user@example.com",
		CompleteTime: time.Now().UTC(),
	})
	require.NoError(t, n.handle(context.Background(), msg))
	assert.Equal(t, []string{"user@example.com"}, mailer.sent)
}

func TestNotifierSkipsEmptyEmail(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(queue.NewMemory(time.Minute), mailer, "https://glaciate.test", time.Second, testLogger())

	msg := wrapped(t, models.CompletionEvent{JobID: uuid.New()})
	require.NoError(t, n.handle(context.Background(), msg))
	assert.Empty(t, mailer.sent)
}

func TestNotifierAcksOnSendFailure(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("relay refused")}
	n := NewNotifier(queue.NewMemory(time.Minute), mailer, "https://glaciate.test", time.Second, testLogger())

	msg := wrapped(t, models.CompletionEvent{JobID: uuid.New(), Email: "user@example.com"})
	assert.NoError(t, n.handle(context.Background(), msg))
}

func TestExecRunnerReportsCompletion(t *testing.T) {
	reg := newFakeRegistry()
	results := newFakeObjStore()
	completions := queue.NewMemory(time.Minute)

	job := pendingJob(reg, "user-1")
	_, _ = reg.MarkRunning(context.Background(), job.ID)

	jobDir := filepath.Join(t.TempDir(), job.ID.String())
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	inputPath := filepath.Join(jobDir, "sample.vcf")
	require.NoError(t, os.WriteFile(inputPath, []byte("input"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.annot.vcf"), []byte("annotated"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.vcf.count.log"), []byte("log"), 0o644))

	r := NewExecRunner("true", "results", results, reg, queue.NewFanoutPublisher(completions), testLogger())
	require.NoError(t, r.Start(context.Background(), LaunchSpec{
		JobID:     job.ID,
		UserID:    job.UserID,
		Email:     "user@example.com",
		InputPath: inputPath,
		JobDir:    jobDir,
	}))

	require.Eventually(t, func() bool {
		return completions.Size() == 1
	}, 5*time.Second, 20*time.Millisecond)

	got := reg.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.ResultLocation)
	assert.Equal(t, "results/"+job.ID.String()+"/sample.annot.vcf", *got.ResultLocation)
	require.NotNil(t, got.LogLocation)
	assert.Equal(t, "results/"+job.ID.String()+"/sample.vcf.count.log", *got.LogLocation)

	assert.True(t, results.contains(*got.ResultLocation))
	assert.True(t, results.contains(*got.LogLocation))

	// Staging dir is gone after the supervisor finishes.
	require.Eventually(t, func() bool {
		_, err := os.Stat(jobDir)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	msgs, err := completions.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	payload, err := queue.Unwrap(msgs[0].Body)
	require.NoError(t, err)
	var ev models.CompletionEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, *got.ResultLocation, ev.ResultLocation)
	assert.Equal(t, "user@example.com", ev.Email)
}

// Full lifecycle for a free user: submit, dispatch, complete, archive,
// upgrade, restore, thaw.
func TestFreeUserLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	inputs := newFakeObjStore()
	results := newFakeObjStore()
	vault := coldstore.NewMemory(3)
	profiles := newFakeProfiles()
	profiles.add("user-1", models.RoleFreeUser)

	job := pendingJob(reg, "user-1")
	require.NoError(t, inputs.Put(ctx, job.InputLocation, []byte("vcf data")))

	// Dispatch.
	runner := &fakeRunner{}
	d := NewDispatcher(queue.NewMemory(time.Minute), reg, inputs, runner, t.TempDir(), time.Second, testLogger())
	require.NoError(t, d.handle(ctx, wrapped(t, models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputFileName: job.InputFileName,
		InputLocation: job.InputLocation,
		Email:         "user@example.com",
	})))
	require.Len(t, runner.launched(), 1)

	// Completion, as the supervisor would report it.
	logKey := "results/" + job.ID.String() + "/sample.vcf.count.log"
	resultKey := resultKeyFromLog(logKey)
	require.NoError(t, results.Put(ctx, resultKey, []byte("annotated")))
	require.NoError(t, results.Put(ctx, logKey, []byte("log")))
	require.NoError(t, reg.CompleteJob(ctx, job.ID, resultKey, logKey, time.Now().UTC()))

	// Archival moves the free user's result cold.
	a := NewArchiver(queue.NewMemory(time.Minute), reg, results, vault, profiles, time.Second, testLogger())
	require.NoError(t, a.handle(ctx, wrapped(t, models.CompletionEvent{
		JobID: job.ID, UserID: job.UserID, ResultLocation: resultKey,
	})))
	archived := reg.get(t, job.ID)
	require.Equal(t, models.JobStatusArchived, archived.Status)
	require.NotNil(t, archived.ArchiveHandle)
	assert.False(t, results.contains(resultKey))

	// Upgrade triggers restore initiation.
	require.NoError(t, profiles.UpdateRole(ctx, "user-1", models.RolePremiumUser))
	r := NewRestorer(queue.NewMemory(time.Minute), reg, vault, time.Second, testLogger())
	payload, err := json.Marshal(models.UpgradeEvent{UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, r.handle(ctx, queue.Message{ID: "m1", Body: payload}))
	require.Equal(t, models.JobStatusRestoring, reg.get(t, job.ID).Status)

	retrievals := vault.Retrievals()
	require.Len(t, retrievals, 1)
	vault.Complete(retrievals[0].ID)

	// Thaw completion moves the bytes back hot.
	tc := NewThawCompleter(queue.NewMemory(time.Minute), reg, results, vault, time.Second, testLogger())
	require.NoError(t, tc.handle(ctx, wrapped(t, models.RetrievalCallback{
		RetrievalID:   retrievals[0].ID,
		ArchiveHandle: *archived.ArchiveHandle,
		StatusCode:    models.RetrievalSucceeded,
	})))

	final := reg.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Nil(t, final.ArchiveHandle)
	require.NotNil(t, final.ResultLocation)

	data, err := results.Get(ctx, *final.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, []byte("annotated"), data)
}
