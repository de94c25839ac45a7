package flatfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
	"forwarding-audit-go/internal/repository/repotest"
)

func TestFlatFileRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository {
		repo, err := Open(t.TempDir())
		require.NoError(t, err)
		return repo
	})
}

func TestOpenCreatesFilesWithHeaders(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, rulesFile))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(ruleHeader, ",")+"\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, filtersFile))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(filterHeader, ",")+"\n", string(data))
}

func TestOpenFailsWhenDirIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, rulesFile), []byte("email,name\na,b\n"), 0o644))

	_, err := Open(dir)
	assert.Error(t, err)
}

func TestDataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := Open(dir)
	require.NoError(t, err)
	rule, err := repo.Create(ctx, repotest.ForwardingRule("user3@example.com", "mary.personal@example.com", model.DispositionArchive))
	require.NoError(t, err)
	_, err = repo.AttachFilter(ctx, rule.ID, repotest.Filter(
		map[string]interface{}{"subject": "timesheet, weekly"},
		map[string]interface{}{"forward": "mary.work@example.com", "addLabelIds": []string{"IMPORTANT"}},
	))
	require.NoError(t, err)
	_, err = repo.UpdateInvestigationNote(ctx, rule.ID, "Approved by manager on 2024-03-05\nsecond line")
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	got, err := reopened.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.HasFilter)
	assert.Equal(t, model.DispositionArchive, *got.Disposition)
	assert.Equal(t, "Approved by manager on 2024-03-05\nsecond line", *got.InvestigationNote)

	f, err := reopened.GetFilter(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "timesheet, weekly", f.Criteria["subject"])
	assert.Equal(t, []interface{}{"IMPORTANT"}, f.Action["addLabelIds"])
}

func TestReconcileRepairsInterruptedWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := Open(dir)
	require.NoError(t, err)
	a, err := repo.Create(ctx, repotest.Rule("a@example.com"))
	require.NoError(t, err)
	b, err := repo.Create(ctx, repotest.Rule("b@example.com"))
	require.NoError(t, err)

	// attach whose rule-file write never happened: filter present, flag false
	_, err = repo.AttachFilter(ctx, a.ID, repotest.Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	require.NoError(t, err)
	rules, err := readRules(repo.rulesPath())
	require.NoError(t, err)
	rules[0].HasFilter = false
	// rule b flagged but has no filter
	rules[1].HasFilter = true
	require.NoError(t, writeRules(repo.rulesPath(), rules))

	// delete whose filter-file write never happened: orphan filter for rule 99
	filters, err := readFilters(repo.filtersPath())
	require.NoError(t, err)
	orphan := filters[0]
	orphan.ID = 50
	orphan.RuleID = 99
	require.NoError(t, writeFilters(repo.filtersPath(), append(filters, orphan)))

	reopened, err := Open(dir)
	require.NoError(t, err)

	gotA, err := reopened.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, gotA.HasFilter)
	gotB, err := reopened.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.HasFilter)

	st, err := reopened.ComputeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalFilters)
	assert.Equal(t, int64(1), st.RulesWithFilter)

	_, err = reopened.GetFilter(ctx, 99)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(dir)
	require.NoError(t, err)
	for _, owner := range []string{"a@example.com", "b@example.com"} {
		_, err := repo.Create(context.Background(), repotest.Rule(owner))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{rulesFile, filtersFile}, names)
}

// failWritesTo makes every write of the named file fail until the test ends
func failWritesTo(t *testing.T, name string) {
	orig := writeFile
	writeFile = func(path string, data []byte, perm os.FileMode, opts ...renameio.Option) error {
		if filepath.Base(path) == name {
			return errors.New("no space left on device")
		}
		return orig(path, data, perm, opts...)
	}
	t.Cleanup(func() { writeFile = orig })
}

func readFile(t *testing.T, dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestAttachFilterRestoresFiltersOnRuleWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	repo, err := Open(dir)
	require.NoError(t, err)
	rule, err := repo.Create(ctx, repotest.Rule("a@example.com"))
	require.NoError(t, err)
	before := readFile(t, dir, filtersFile)

	failWritesTo(t, rulesFile)
	_, err = repo.AttachFilter(ctx, rule.ID, repotest.Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	require.Error(t, err)

	assert.Equal(t, before, readFile(t, dir, filtersFile))
	_, err = repo.GetFilter(ctx, rule.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	got, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.HasFilter)
}

func TestDeleteRestoresRuleOnFilterWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	repo, err := Open(dir)
	require.NoError(t, err)
	rule, err := repo.Create(ctx, repotest.Rule("a@example.com"))
	require.NoError(t, err)
	_, err = repo.AttachFilter(ctx, rule.ID, repotest.Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	require.NoError(t, err)
	before := readFile(t, dir, rulesFile)

	failWritesTo(t, filtersFile)
	require.Error(t, repo.Delete(ctx, rule.ID))

	assert.Equal(t, before, readFile(t, dir, rulesFile))
	got, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.HasFilter)
	_, err = repo.GetFilter(ctx, rule.ID)
	assert.NoError(t, err)
}

func TestRemoveFilterRestoresFiltersOnRuleWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	repo, err := Open(dir)
	require.NoError(t, err)
	rule, err := repo.Create(ctx, repotest.Rule("a@example.com"))
	require.NoError(t, err)
	_, err = repo.AttachFilter(ctx, rule.ID, repotest.Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	require.NoError(t, err)

	failWritesTo(t, rulesFile)
	require.Error(t, repo.RemoveFilter(ctx, rule.ID))

	_, err = repo.GetFilter(ctx, rule.ID)
	assert.NoError(t, err)
	got, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.HasFilter)
}
