package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, s *LibSQLStore) *Account {
	t.Helper()
	a := &Account{
		ID:            "acct-" + uuid.New().String()[:8],
		CredentialRef: "vault/creds/" + uuid.New().String()[:8],
		Proxy:         "socks5://10.0.0.2:1080",
		Active:        true,
	}
	require.NoError(t, s.UpsertAccount(context.Background(), a))
	return a
}

func testDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "daily-engagement",
		Steps: []schema.StepDefinition{
			{Plugin: "login"},
			{Plugin: "feed_scroller", Input: json.RawMessage(`{"count":5}`)},
		},
	}
}

func seedRun(t *testing.T, s *LibSQLStore, accountID string) *Run {
	t.Helper()
	run := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "daily-engagement",
		AccountID:    accountID,
		Definition:   testDefinition(),
		Inputs:       map[string]any{"count": float64(5)},
		Status:       schema.RunStatusPending,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Accounts ---

func TestUpsertAndGetAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.CredentialRef, got.CredentialRef)
	assert.Equal(t, "socks5://10.0.0.2:1080", got.Proxy)
	assert.True(t, got.Active)
}

func TestUpsertAccount_UpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	a.Active = false
	a.Proxy = ""
	require.NoError(t, s.UpsertAccount(ctx, a))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Empty(t, got.Proxy)
}

func TestUpsertAccount_RequiresCredentialRef(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertAccount(context.Background(), &Account{ID: "a"})
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestListAccounts_ActiveFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedAccount(t, s)
	inactive := seedAccount(t, s)
	inactive.Active = false
	require.NoError(t, s.UpsertAccount(ctx, inactive))

	tr := true
	got, err := s.ListAccounts(ctx, AccountFilter{Active: &tr})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAccount(context.Background(), "ghost")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	run := seedRun(t, s, a.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, 0, got.StepIndex)
	assert.Equal(t, "daily-engagement", got.Definition.Name)
	require.Len(t, got.Definition.Steps, 2)
	assert.Equal(t, "feed_scroller", got.Definition.Steps[1].Plugin)
	assert.Equal(t, map[string]any{"count": float64(5)}, got.Inputs)
}

func TestUpdateRun_StatusAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	run := seedRun(t, s, a.ID)

	now := time.Now().UTC().Truncate(time.Second)
	running := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, StartedAt: &now}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	failed := schema.RunStatusFailed
	err := s.UpdateRun(context.Background(), "ghost", RunUpdate{Status: &failed})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRuns_FilterByAccountAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	b := seedAccount(t, s)
	run := seedRun(t, s, a.ID)
	seedRun(t, s, b.ID)

	pending := schema.RunStatusPending
	got, err := s.ListRuns(ctx, RunFilter{AccountID: a.ID, Status: &pending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, run.ID, got[0].ID)
}

// --- Step history ---

func TestCommitStep_AdvancesStepIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	run := seedRun(t, s, a.ID)

	require.NoError(t, s.CommitStep(ctx, &StepRecord{
		RunID:    run.ID,
		Position: 0,
		StepID:   "login",
		Plugin:   "login",
		Status:   schema.ExecutionSuccess,
		Output:   json.RawMessage(`{"user_id":"u-1"}`),
		Attempts: 1,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepIndex, "committing position 0 must advance index to 1")

	records, err := s.ListStepRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "login", records[0].StepID)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(records[0].Output))
}

func TestCommitStep_DuplicatePositionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	run := seedRun(t, s, a.ID)

	rec := &StepRecord{RunID: run.ID, Position: 0, StepID: "login", Plugin: "login", Status: schema.ExecutionSuccess}
	require.NoError(t, s.CommitStep(ctx, rec))
	assert.Error(t, s.CommitStep(ctx, rec), "a step position commits exactly once")
}

func TestCommitStep_UnknownRunLeavesNoRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CommitStep(ctx, &StepRecord{RunID: "ghost", Position: 0, StepID: "x", Plugin: "x", Status: schema.ExecutionSuccess})
	require.Error(t, err)

	records, err := s.ListStepRecords(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, records, "failed commit must roll back the record insert")
}

// --- Secrets ---

func TestSecrets_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "k1", []byte{0x01, 0x02}))
	require.NoError(t, s.StoreSecret(ctx, "k1", []byte{0x03})) // overwrite

	v, err := s.GetSecret(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "k1"))
	_, err = s.GetSecret(ctx, "k1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Scheduled jobs ---

func TestScheduledJobs_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowName:   "daily-engagement",
		AccountID:      a.ID,
		CronExpression: "0 9 * * *",
		Inputs:         json.RawMessage(`{"count":3}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", got.CronExpression)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		LastRunAt:     &now,
		LastRunStatus: "completed",
	}))

	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled, AccountID: a.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
