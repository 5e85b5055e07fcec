package cron

import (
	"context"
	"testing"
	"time"

	"github.com/memberhubhq/memberhub-backend/pkg/logger"
)

type retentionRepoStub struct {
	cutoff  time.Time
	deleted int64
}

func (r *retentionRepoStub) DeletePublishedBefore(cutoff time.Time) (int64, error) {
	r.cutoff = cutoff
	return r.deleted, nil
}

func TestOutboxRetentionJobUsesConfiguredWindow(t *testing.T) {
	repo := &retentionRepoStub{deleted: 12}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "cron-test"}),
		Repository: repo,
		Retention:  7,
	})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	expected := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if repo.cutoff.After(expected.Add(time.Minute)) || repo.cutoff.Before(expected.Add(-time.Minute)) {
		t.Fatalf("cutoff not derived from retention days: %s", repo.cutoff)
	}
}
