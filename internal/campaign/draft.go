// Package campaign holds the configuration value an operator edits before a
// campaign is stored, and the rules a stored campaign must satisfy to run.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"campaignbot/internal/model"
)

// Limits bound the configurable values of a campaign.
type Limits struct {
	MaxRepeat  int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxTextLen int
}

func DefaultLimits() Limits {
	return Limits{MaxRepeat: 1000, MinDelay: time.Second, MaxDelay: time.Hour, MaxTextLen: 4096}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxRepeat <= 0 {
		l.MaxRepeat = d.MaxRepeat
	}
	if l.MinDelay <= 0 {
		l.MinDelay = d.MinDelay
	}
	if l.MaxDelay < l.MinDelay {
		l.MaxDelay = max(d.MaxDelay, l.MinDelay)
	}
	if l.MaxTextLen <= 0 {
		l.MaxTextLen = d.MaxTextLen
	}
	return l
}

// Draft is one operator's campaign under construction. Methods return
// modified copies; a Draft is never shared between operators.
type Draft struct {
	OperatorID int64         `validate:"required"`
	AccountIDs []int64       `validate:"required,min=1,unique,dive,gt=0"`
	GroupID    int64         `validate:"gt=0"`
	Text       string        `validate:"required"`
	Repeat     int           `validate:"gte=1"`
	Delay      time.Duration `validate:"gt=0"`
}

func New(operatorID int64) Draft {
	return Draft{OperatorID: operatorID, Repeat: 1, Delay: 5 * time.Second}
}

// FromCampaign rebuilds the draft a stored campaign was created from.
func FromCampaign(c model.Campaign) Draft {
	return Draft{
		OperatorID: c.OperatorID,
		AccountIDs: slices.Clone(c.AccountIDs),
		GroupID:    c.GroupID,
		Text:       c.Text,
		Repeat:     c.Repeat,
		Delay:      c.Delay,
	}
}

func (d Draft) WithText(text string) Draft {
	d.Text = strings.TrimSpace(text)
	return d
}

func (d Draft) WithRepeat(n int) Draft {
	d.Repeat = n
	return d
}

func (d Draft) WithDelay(delay time.Duration) Draft {
	d.Delay = delay
	return d
}

func (d Draft) WithGroup(groupID int64) Draft {
	d.GroupID = groupID
	return d
}

func (d Draft) WithAccounts(ids ...int64) Draft {
	d.AccountIDs = nil
	for _, id := range ids {
		if !slices.Contains(d.AccountIDs, id) {
			d.AccountIDs = append(d.AccountIDs, id)
		}
	}
	return d
}

// ToggleAccount adds id when absent and removes it otherwise. Selection
// order is kept.
func (d Draft) ToggleAccount(id int64) Draft {
	ids := slices.Clone(d.AccountIDs)
	if i := slices.Index(ids, id); i >= 0 {
		d.AccountIDs = slices.Delete(ids, i, i+1)
	} else {
		d.AccountIDs = append(ids, id)
	}
	return d
}

// ValidationError lists every problem found in a draft.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid campaign: " + strings.Join(e.Problems, "; ")
}

var validate = validator.New()

// Validate checks the draft against limits.
func (d Draft) Validate(limits Limits) error {
	limits = limits.normalized()
	var problems []string

	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if d.Text != "" {
		if err := validate.Var(d.Text, fmt.Sprintf("max=%d", limits.MaxTextLen)); err != nil {
			problems = append(problems, fmt.Sprintf("text is longer than %d characters", limits.MaxTextLen))
		}
	}
	if d.Repeat > limits.MaxRepeat {
		problems = append(problems, fmt.Sprintf("repeat must be between 1 and %d", limits.MaxRepeat))
	}
	if d.Delay > 0 && (d.Delay < limits.MinDelay || d.Delay > limits.MaxDelay) {
		problems = append(problems, fmt.Sprintf("delay must be between %s and %s", limits.MinDelay, limits.MaxDelay))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Field() {
	case "OperatorID":
		return "operator is missing"
	case "AccountIDs":
		if fe.Tag() == "unique" {
			return "accounts must not repeat"
		}
		return "select at least one account"
	case "GroupID":
		return "select a target group"
	case "Text":
		return "message text is empty"
	case "Repeat":
		return "repeat must be at least 1"
	case "Delay":
		return "delay must be positive"
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// Store is what Finalize needs from storage.
type Store interface {
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	GetGroup(ctx context.Context, id int64) (model.TargetGroup, error)
	CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
}

// Finalize validates the draft against limits and live data and stores it
// as a configured campaign.
func (d Draft) Finalize(ctx context.Context, st Store, limits Limits) (model.Campaign, error) {
	if err := d.Validate(limits); err != nil {
		return model.Campaign{}, err
	}
	var problems []string
	for _, id := range d.AccountIDs {
		acc, err := st.GetAccount(ctx, id)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("account %d: %v", id, err))
		case acc.OperatorID != d.OperatorID:
			problems = append(problems, fmt.Sprintf("account %d belongs to another operator", id))
		case !acc.Active:
			problems = append(problems, fmt.Sprintf("account %d is not active", id))
		}
	}
	if _, err := st.GetGroup(ctx, d.GroupID); err != nil {
		problems = append(problems, fmt.Sprintf("group %d: %v", d.GroupID, err))
	}
	if len(problems) > 0 {
		return model.Campaign{}, &ValidationError{Problems: problems}
	}
	return st.CreateCampaign(ctx, model.Campaign{
		OperatorID: d.OperatorID,
		AccountIDs: slices.Clone(d.AccountIDs),
		GroupID:    d.GroupID,
		Text:       d.Text,
		Repeat:     d.Repeat,
		Delay:      d.Delay,
		Status:     model.StatusConfigured,
	})
}
