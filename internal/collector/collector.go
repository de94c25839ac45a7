// Package collector reads auto-forwarding settings and forwarding filters
// from Gmail for a list of mailboxes and turns them into import records.
package collector

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/config"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/seed"
)

// ServiceFactory returns a Gmail client acting as user
type ServiceFactory func(ctx context.Context, user string) (*gmail.Service, error)

// Collector queries the settings API once per configured mailbox
type Collector struct {
	users      []*mail.Address
	newService ServiceFactory
}

// New builds a collector that impersonates each user through the
// service-account key in cfg.CredentialsFile (domain-wide delegation).
func New(cfg config.GmailConfig) (*Collector, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("gmail credentials file is not configured")
	}
	key, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail credentials: %w", err)
	}
	if _, err := google.JWTConfigFromJSON(key, gmail.GmailSettingsBasicScope); err != nil {
		return nil, fmt.Errorf("failed to parse gmail credentials: %w", err)
	}

	factory := func(ctx context.Context, user string) (*gmail.Service, error) {
		conf, err := google.JWTConfigFromJSON(key, gmail.GmailSettingsBasicScope)
		if err != nil {
			return nil, err
		}
		conf.Subject = user
		return gmail.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx)))
	}
	return NewWithFactory(cfg.Users, factory)
}

// NewWithFactory builds a collector using factory for every mailbox. users
// are RFC 5322 addresses, optionally with a display name.
func NewWithFactory(users []string, factory ServiceFactory) (*Collector, error) {
	c := &Collector{newService: factory}
	for _, u := range users {
		if strings.TrimSpace(u) == "" {
			continue
		}
		addr, err := mail.ParseAddress(u)
		if err != nil {
			return nil, fmt.Errorf("invalid gmail user %q: %w", u, err)
		}
		c.users = append(c.users, addr)
	}
	if len(c.users) == 0 {
		return nil, fmt.Errorf("no gmail users configured")
	}
	return c, nil
}

// Collect returns one record per mailbox. A failure for one mailbox is
// recorded in that record's error message and does not stop the others.
func (c *Collector) Collect(ctx context.Context) ([]seed.Record, error) {
	records := make([]seed.Record, 0, len(c.users))
	for _, user := range c.users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger := logrus.WithField("owner", user.Address)

		fwd, filters, err := c.fetch(ctx, user.Address)
		if err != nil {
			logger.WithError(err).Warn("Failed to read forwarding settings")
		} else {
			logger.Debugf("Read forwarding settings with %d filters", len(filters))
		}
		records = append(records, recordFromSettings(user, fwd, filters, err))
	}
	return records, nil
}

func (c *Collector) fetch(ctx context.Context, user string) (*gmail.AutoForwarding, []*gmail.Filter, error) {
	svc, err := c.newService(ctx, user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	fwd, err := svc.Users.Settings.GetAutoForwarding("me").Context(ctx).Do()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get auto-forwarding: %w", err)
	}
	list, err := svc.Users.Settings.Filters.List("me").Context(ctx).Do()
	if err != nil {
		return fwd, nil, fmt.Errorf("failed to list filters: %w", err)
	}
	return fwd, list.Filter, nil
}

// recordFromSettings maps the API responses for one mailbox. The first
// filter that forwards becomes the rule's filter; any others are noted in
// the error message since a rule holds at most one.
func recordFromSettings(user *mail.Address, fwd *gmail.AutoForwarding, filters []*gmail.Filter, fetchErr error) seed.Record {
	name := user.Name
	if name == "" {
		name = user.Address
		if at := strings.IndexByte(name, '@'); at > 0 {
			name = name[:at]
		}
	}
	rule := model.ForwardingRule{
		OwnerEmail: user.Address,
		OwnerName:  name,
	}

	var problems []string
	if fetchErr != nil {
		problems = append(problems, fetchErr.Error())
	}

	if fwd != nil && fwd.Enabled && fwd.EmailAddress != "" {
		rule.ForwardingAddress = model.StringPtr(fwd.EmailAddress)
		if fwd.Disposition != "" {
			d, err := seed.MapDisposition(fwd.Disposition)
			if err != nil {
				problems = append(problems, err.Error())
			} else if d != "" {
				rule.Disposition = &d
			}
		}
	}

	rec := seed.Record{}
	var extra []string
	for _, f := range filters {
		if f == nil || f.Action == nil || f.Action.Forward == "" {
			continue
		}
		if rec.Filter == nil {
			rec.Filter = filterConfig(f)
			continue
		}
		extra = append(extra, f.Id)
	}
	if len(extra) > 0 {
		problems = append(problems, fmt.Sprintf("%d additional forwarding filters not recorded: %s", len(extra), strings.Join(extra, ", ")))
	}

	if len(problems) > 0 {
		rule.ErrorMessage = model.StringPtr(strings.Join(problems, "; "))
	}
	rec.Rule = rule
	return rec
}

func filterConfig(f *gmail.Filter) *model.FilterConfig {
	criteria := datatypes.JSONMap{}
	if c := f.Criteria; c != nil {
		setString(criteria, "from", c.From)
		setString(criteria, "to", c.To)
		setString(criteria, "subject", c.Subject)
		setString(criteria, "query", c.Query)
		setString(criteria, "negatedQuery", c.NegatedQuery)
		if c.HasAttachment {
			criteria["hasAttachment"] = true
		}
		if c.ExcludeChats {
			criteria["excludeChats"] = true
		}
		if c.Size > 0 {
			criteria["size"] = float64(c.Size)
			setString(criteria, "sizeComparison", c.SizeComparison)
		}
	}

	action := datatypes.JSONMap{"forward": f.Action.Forward}
	if len(f.Action.AddLabelIds) > 0 {
		action["addLabelIds"] = append([]string(nil), f.Action.AddLabelIds...)
	}
	if len(f.Action.RemoveLabelIds) > 0 {
		action["removeLabelIds"] = append([]string(nil), f.Action.RemoveLabelIds...)
	}
	return &model.FilterConfig{Criteria: criteria, Action: action}
}

func setString(m datatypes.JSONMap, key, value string) {
	if value != "" {
		m[key] = value
	}
}
