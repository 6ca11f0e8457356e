package brok

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseUserChatStyle(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	style, err := db.UserChatStyle(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(
		t, ChatStyleInformative, style,
		"users without a preference get the default",
	)

	require.NoError(t, db.SetUserChatStyle(ctx, "user1", ChatStyleAcid))
	style, err = db.UserChatStyle(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, ChatStyleAcid, style)

	// Changing the preference updates the existing row
	require.NoError(t, db.SetUserChatStyle(ctx, "user1", ChatStyleLaele))
	style, err = db.UserChatStyle(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, ChatStyleLaele, style)

	var count int64
	require.NoError(
		t, db.DB().Model(&UserPreference{}).Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)
}

func TestDatabaseSaveUserUpsert(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(
		t, db.SaveUser(ctx, &User{ID: "user1", Username: "old-name"}),
	)
	require.NoError(
		t, db.SaveUser(ctx, &User{ID: "user1", Username: "new-name"}),
	)

	var users []User
	require.NoError(t, db.DB().Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "new-name", users[0].Username)
}

func TestDatabaseFAQsOrdered(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	faqs, err := db.FAQs(ctx)
	require.NoError(t, err)
	assert.Empty(t, faqs)

	first := &FAQ{Question: "primeira?", Answer: "sim"}
	require.NoError(t, db.CreateFAQ(ctx, first))
	first.CreatedAt -= 1000
	require.NoError(t, db.DB().Save(first).Error)
	require.NoError(
		t, db.CreateFAQ(ctx, &FAQ{Question: "segunda?", Answer: "também"}),
	)

	faqs, err = db.FAQs(ctx)
	require.NoError(t, err)
	require.Len(t, faqs, 2)
	assert.Equal(t, "primeira?", faqs[0].Question)
	assert.Equal(t, "segunda?", faqs[1].Question)
}

func TestDatabaseInjectionAttemptCountWindow(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	recent := &InjectionAttempt{UserID: "user1", Severity: SeverityHigh}
	require.NoError(t, db.CreateInjectionAttempt(ctx, recent))

	old := &InjectionAttempt{UserID: "user1", Severity: SeverityMedium}
	require.NoError(t, db.CreateInjectionAttempt(ctx, old))
	old.CreatedAt = time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, db.DB().Save(old).Error)

	other := &InjectionAttempt{UserID: "user2", Severity: SeverityHigh}
	require.NoError(t, db.CreateInjectionAttempt(ctx, other))

	count, err := db.InjectionAttemptCount(ctx, "user1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(
		t, int64(1), count,
		"only this user's attempts inside the window count",
	)
}

func TestDatabaseDueJobs(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	now := time.Now()

	due := &ChatJob{
		UserID:        "user1",
		State:         JobStateQueued,
		NextAttemptAt: now.Add(-time.Minute).UnixMilli(),
	}
	require.NoError(t, db.SaveJob(ctx, due))

	future := &ChatJob{
		UserID:        "user2",
		State:         JobStateQueued,
		NextAttemptAt: now.Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, db.SaveJob(ctx, future))

	running := &ChatJob{
		UserID:        "user3",
		State:         JobStateInProgress,
		NextAttemptAt: now.Add(-time.Minute).UnixMilli(),
	}
	require.NoError(t, db.SaveJob(ctx, running))

	jobs, err := db.DueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)

	// The backed-off job becomes due once its retry time passes
	jobs, err = db.DueJobs(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDatabaseDueJobsLimit(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(
			t, db.SaveJob(ctx, &ChatJob{UserID: "user1", State: JobStateQueued}),
		)
	}
	jobs, err := db.DueJobs(ctx, time.Now(), 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDatabaseRequeueInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	interrupted := &ChatJob{UserID: "user1", State: JobStateInProgress}
	require.NoError(t, db.SaveJob(ctx, interrupted))
	settled := &ChatJob{UserID: "user2", State: JobStateCompleted}
	require.NoError(t, db.SaveJob(ctx, settled))

	n, err := db.RequeueInterruptedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var requeued ChatJob
	require.NoError(t, db.DB().First(&requeued, interrupted.ID).Error)
	assert.Equal(t, JobStateQueued, requeued.State)
	assert.LessOrEqual(t, requeued.NextAttemptAt, time.Now().UnixMilli())

	var untouched ChatJob
	require.NoError(t, db.DB().First(&untouched, settled.ID).Error)
	assert.Equal(t, JobStateCompleted, untouched.State)
}
