package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
	"forwarding-audit-go/internal/repository/memory"
)

func TestImportDefault(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	res, err := Import(ctx, repo, Default())
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 4, Filters: 3}, res)

	st, err := repo.ComputeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.Stats{
		TotalRules:       4,
		RulesWithFilter:  3,
		ActiveForwarding: 3,
		RulesWithErrors:  1,
		TotalFilters:     3,
	}, *st)

	found, err := repo.Search(ctx, repository.SearchQuery{EmailContains: model.StringPtr("user4")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	f, err := repo.GetFilter(ctx, found[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "hacky@hackyhackers.com", f.Criteria["from"])
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), f.CreatedAt)
}

func TestImportSkipsExistingOwners(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	_, err := Import(ctx, repo, Default())
	require.NoError(t, err)

	res, err := Import(ctx, repo, Default())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 4}, res)
}

func TestImportCountsRejectedRecords(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	records := []Record{
		{Rule: model.ForwardingRule{OwnerEmail: "not-an-address", OwnerName: "Bad"}},
		{
			Rule: model.ForwardingRule{OwnerEmail: "ok@example.com", OwnerName: "Ok"},
			Filter: &model.FilterConfig{
				Criteria: map[string]interface{}{"nested": map[string]interface{}{"x": 1}},
				Action:   map[string]interface{}{},
			},
		},
	}
	res, err := Import(ctx, repo, records)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 1, Rejected: 2}, res)
}

const flatExport = `[
  {
    "email": "user1@example.com",
    "name": "John Doe",
    "forwarding_email": "forwarding@example.com",
    "disposition": "keep",
    "has_forwarding_filters": true,
    "error": null,
    "investigation_note": "Legitimate forwarding to",
    "filter": {
      "criteria": {"from": "newsletter@company.com"},
      "action": {"forward": "john.archive@example.com"},
      "created_at": "2024-01-15"
    }
  },
  {
    "email": "user2@example.com",
    "name": "Jane Smith",
    "forwarding_email": null,
    "disposition": null,
    "error": "Permission denied"
  }
]`

const gmailExport = `[
  {
    "email": "user5@example.com",
    "name": "Ann Lee",
    "autoForwarding": {"enabled": true, "emailAddress": "ann@elsewhere.net", "disposition": "leaveInInbox"}
  },
  {
    "email": "user6@example.com",
    "name": "Tom Ray",
    "autoForwarding": {"enabled": false, "emailAddress": "stale@elsewhere.net", "disposition": "trash"}
  }
]`

func TestParseFlatExport(t *testing.T) {
	records, err := Parse([]byte(flatExport))
	require.NoError(t, err)
	require.Len(t, records, 2)

	john := records[0]
	assert.Equal(t, "forwarding@example.com", *john.Rule.ForwardingAddress)
	assert.Equal(t, model.DispositionKeep, *john.Rule.Disposition)
	require.NotNil(t, john.Filter)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), john.Filter.CreatedAt)

	jane := records[1]
	assert.Nil(t, jane.Rule.ForwardingAddress)
	assert.Nil(t, jane.Rule.Disposition)
	assert.Equal(t, "Permission denied", *jane.Rule.ErrorMessage)
	assert.Nil(t, jane.Filter)
}

func TestParseGmailExport(t *testing.T) {
	records, err := Parse([]byte(gmailExport))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "ann@elsewhere.net", *records[0].Rule.ForwardingAddress)
	assert.Equal(t, model.DispositionKeep, *records[0].Rule.Disposition)

	assert.Nil(t, records[1].Rule.ForwardingAddress, "disabled forwarding keeps no address")
	assert.Nil(t, records[1].Rule.Disposition)
}

func TestParseRejectsUnknownDisposition(t *testing.T) {
	_, err := Parse([]byte(`[{"email":"a@example.com","name":"A","forwarding_email":"b@example.com","disposition":"shred"}]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"email":"a@example.com"}`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.json")
	require.NoError(t, os.WriteFile(path, []byte(flatExport), 0o644))

	records, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMapDisposition(t *testing.T) {
	for in, want := range map[string]model.Disposition{
		"leaveInInbox": model.DispositionKeep,
		"markRead":     model.DispositionKeep,
		"archive":      model.DispositionArchive,
		"trash":        model.DispositionTrash,
		"keep":         model.DispositionKeep,
	} {
		got, err := MapDisposition(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
