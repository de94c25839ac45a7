package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobFailed, true},
		{JobQueued, JobSucceeded, false},
		{JobRunning, JobRunning, true},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobQueued, false},
		{JobSucceeded, JobFailed, false},
		{JobSucceeded, JobRunning, false},
		{JobFailed, JobRunning, false},
		{JobFailed, JobSucceeded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
	assert.True(t, JobSucceeded.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobRunning.Terminal())
}

func TestReportJobApply(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &ReportJob{Status: JobQueued}

	job.Apply(JobRunning, "", "", now)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, now, *job.StartedAt)

	later := now.Add(time.Minute)
	job.Apply(JobRunning, "", "", later)
	assert.Equal(t, now, *job.StartedAt, "redelivery keeps the first start time")

	job.Apply(JobSucceeded, "/reports/a.pdf", "", later)
	assert.Equal(t, "/reports/a.pdf", job.ResultPath)
	assert.Empty(t, job.Error)
	assert.Equal(t, later, *job.CompletedAt)

	failed := &ReportJob{Status: JobRunning}
	failed.Apply(JobFailed, "ignored", "", now)
	assert.Empty(t, failed.ResultPath)
	assert.Equal(t, "unknown error", failed.Error)
}

func TestParseReportKind(t *testing.T) {
	for _, s := range []string{"full", "statistics-only", "rules-only"} {
		k, err := ParseReportKind(s)
		assert.NoError(t, err)
		assert.Equal(t, s, string(k))
	}
	_, err := ParseReportKind("weekly")
	assert.Error(t, err)
}

func TestDisposition(t *testing.T) {
	d, err := ParseDisposition("archive")
	assert.NoError(t, err)
	assert.Equal(t, DispositionArchive, d)

	_, err = ParseDisposition("markRead")
	assert.Error(t, err)
}

func TestForwardingRuleClone(t *testing.T) {
	rule := ForwardingRule{
		ID:                1,
		OwnerEmail:        "user1@example.com",
		ForwardingAddress: StringPtr("forwarding@example.com"),
		Disposition:       DispositionPtr(DispositionKeep),
		InvestigationNote: StringPtr("note"),
		Filter:            &FilterConfig{ID: 3},
	}
	cp := rule.Clone()
	*cp.ForwardingAddress = "changed@example.com"
	*cp.InvestigationNote = "changed"

	assert.Equal(t, "forwarding@example.com", *rule.ForwardingAddress)
	assert.Equal(t, "note", *rule.InvestigationNote)
	assert.Nil(t, cp.Filter)
	assert.True(t, rule.ForwardingEnabled())
}

func TestFilterConfigClone(t *testing.T) {
	f := FilterConfig{
		Criteria: datatypes.JSONMap{"from": "newsletter@company.com"},
		Action:   datatypes.JSONMap{"addLabelIds": []interface{}{"IMPORTANT"}},
	}
	cp := f.Clone()
	cp.Criteria["from"] = "other@company.com"
	cp.Action["addLabelIds"].([]interface{})[0] = "TRASH"

	assert.Equal(t, "newsletter@company.com", f.Criteria["from"])
	assert.Equal(t, "IMPORTANT", f.Action["addLabelIds"].([]interface{})[0])
}
