package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
)

const (
	extension     = ".pdf"
	maxNameLength = 200
	entityJob     = "report job"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks a caller-supplied artifact name and adds the .pdf
// extension when it is missing. Only plain base names are accepted.
func ValidateName(requested string) (string, error) {
	name := strings.TrimSpace(requested)
	if name == "" {
		return "", apperr.Validation(entityJob, "name", "must not be empty")
	}
	if !strings.HasSuffix(strings.ToLower(name), extension) {
		name += extension
	}
	if len(name) > maxNameLength {
		return "", apperr.Validation(entityJob, "name", fmt.Sprintf("longer than %d characters", maxNameLength))
	}
	if !safeName.MatchString(name) {
		return "", apperr.Validation(entityJob, "name", fmt.Sprintf("%q may only contain letters, digits, '.', '_' and '-' and must not start with '.'", requested))
	}
	return name, nil
}

// DerivedName is the artifact name used when the caller supplies none
func DerivedName(kind model.ReportKind, at time.Time, jobID string) string {
	short := strings.ReplaceAll(jobID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s%s", kind, at.Format("20060102_150405"), short, extension)
}
