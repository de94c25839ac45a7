// Package seed holds the default audit dataset and the bulk importer that
// loads records into whichever backend is active.
package seed

import (
	"time"

	"gorm.io/datatypes"

	"forwarding-audit-go/internal/model"
)

// Record is one mailbox owner's rule plus its optional filter
type Record struct {
	Rule   model.ForwardingRule
	Filter *model.FilterConfig
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the dataset the in-memory backend starts with
func Default() []Record {
	return []Record{
		{
			Rule: model.ForwardingRule{
				OwnerEmail:        "user1@example.com",
				OwnerName:         "John Doe",
				ForwardingAddress: model.StringPtr("forwarding@example.com"),
				Disposition:       model.DispositionPtr(model.DispositionKeep),
				InvestigationNote: model.StringPtr("Legitimate forwarding to"),
			},
			Filter: &model.FilterConfig{
				Criteria:  datatypes.JSONMap{"from": "newsletter@company.com"},
				Action:    datatypes.JSONMap{"forward": "john.archive@example.com"},
				CreatedAt: day("2024-01-15"),
			},
		},
		{
			Rule: model.ForwardingRule{
				OwnerEmail:        "user3@example.com",
				OwnerName:         "Mary Johnson",
				ForwardingAddress: model.StringPtr("mary.personal@example.com"),
				Disposition:       model.DispositionPtr(model.DispositionArchive),
				InvestigationNote: model.StringPtr("Approved by manager on 2024-03-05"),
			},
			Filter: &model.FilterConfig{
				Criteria:  datatypes.JSONMap{"subject": "timesheet"},
				Action:    datatypes.JSONMap{"addLabels": "IMPORTANT", "forward": "mary.work@example.com"},
				CreatedAt: day("2024-02-10"),
			},
		},
		{
			Rule: model.ForwardingRule{
				OwnerEmail:        "user4@example.com",
				OwnerName:         "Bob Wilson",
				ForwardingAddress: model.StringPtr("bob.backup@example.com"),
				Disposition:       model.DispositionPtr(model.DispositionTrash),
				InvestigationNote: model.StringPtr("Needs further investigation - external domain"),
			},
			Filter: &model.FilterConfig{
				Criteria:  datatypes.JSONMap{"from": "hacky@hackyhackers.com", "subject": "invoice"},
				Action:    datatypes.JSONMap{"addLabels": "TRASH", "forward": "security@example.com"},
				CreatedAt: day("2024-02-02"),
			},
		},
		{
			Rule: model.ForwardingRule{
				OwnerEmail:        "user2@example.com",
				OwnerName:         "Jane Smith",
				ErrorMessage:      model.StringPtr("Permission denied"),
				InvestigationNote: model.StringPtr("Error occurred during audit"),
			},
		},
	}
}
