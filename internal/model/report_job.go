package model

import (
	"fmt"
	"time"
)

// ReportKind selects which sections a report contains
type ReportKind string

const (
	ReportFull           ReportKind = "full"
	ReportStatisticsOnly ReportKind = "statistics-only"
	ReportRulesOnly      ReportKind = "rules-only"
)

// ParseReportKind validates a report kind name
func ParseReportKind(s string) (ReportKind, error) {
	k := ReportKind(s)
	switch k {
	case ReportFull, ReportStatisticsOnly, ReportRulesOnly:
		return k, nil
	}
	return "", fmt.Errorf("unknown report kind %q", s)
}

// Title is the heading used for reports of this kind
func (k ReportKind) Title() string {
	switch k {
	case ReportStatisticsOnly:
		return "Email Forwarding Rules Statistics Report"
	case ReportRulesOnly:
		return "Email Forwarding Rules Only Report"
	default:
		return "Email Forwarding Rules Audit Report"
	}
}

// JobStatus is the lifecycle state of a report job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// running -> running covers redelivery of a message whose worker died.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobRunning || next == JobSucceeded || next == JobFailed
	}
	return false
}

// ReportJob tracks one asynchronous report generation request
type ReportJob struct {
	ID            string     `json:"id" gorm:"type:varchar(36);primaryKey"`
	Kind          ReportKind `json:"kind" gorm:"type:varchar(32);not null"`
	RequestedName string     `json:"requested_name,omitempty" gorm:"type:varchar(255)"`
	ArtifactName  string     `json:"artifact_name" gorm:"type:varchar(255);not null;uniqueIndex"`
	Status        JobStatus  `json:"status" gorm:"type:varchar(16);not null;index"`
	ResultPath    string     `json:"result_path,omitempty" gorm:"type:varchar(1024)"`
	Error         string     `json:"error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TableName specifies the table name for ReportJob
func (ReportJob) TableName() string {
	return "report_jobs"
}

// Apply moves the job to next, stamping timestamps and the outcome fields.
// The caller is responsible for checking CanTransitionTo first.
func (j *ReportJob) Apply(next JobStatus, resultPath, errMsg string, now time.Time) {
	j.Status = next
	switch next {
	case JobRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case JobSucceeded:
		j.ResultPath = resultPath
		j.Error = ""
		t := now
		j.CompletedAt = &t
	case JobFailed:
		if errMsg == "" {
			errMsg = "unknown error"
		}
		j.ResultPath = ""
		j.Error = errMsg
		t := now
		j.CompletedAt = &t
	}
}
