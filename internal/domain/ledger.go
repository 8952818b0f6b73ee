package domain

import (
	"fmt"
	"strings"
	"time"
)

// BudgetLedgerEntry is an append-only cost record. Rows are never updated or
// deleted outside the retention purge.
type BudgetLedgerEntry struct {
	ID            string
	Tenant        string
	ServiceOrigin string
	Channel       Channel
	Provider      string
	UnitCost      float64
	Units         int
	TotalCost     float64
	CorrelationID string
	OccurredAt    time.Time
}

func (e *BudgetLedgerEntry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: ledger entry is required", ErrValidation)
	}
	if strings.TrimSpace(e.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, e.Channel)
	}
	if e.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrValidation)
	}
	if e.UnitCost < 0 {
		return fmt.Errorf("%w: unitCost must not be negative", ErrValidation)
	}
	return nil
}

// OverrideCommand is an explicit, capability-checked budget override. It is
// never an implicit bypass: reason and TTL are mandatory and every use
// produces an immutable audit row.
type OverrideCommand struct {
	Token     string
	Actor     string
	Reason    string
	ExpiresAt time.Time
}

func (o *OverrideCommand) Validate(now time.Time) error {
	if o == nil {
		return fmt.Errorf("%w: override command is required", ErrValidation)
	}
	if strings.TrimSpace(o.Token) == "" {
		return fmt.Errorf("%w: override token is required", ErrValidation)
	}
	if strings.TrimSpace(o.Actor) == "" {
		return fmt.Errorf("%w: override actor is required", ErrValidation)
	}
	if strings.TrimSpace(o.Reason) == "" {
		return fmt.Errorf("%w: override reason is required", ErrValidation)
	}
	if !o.ExpiresAt.After(now) {
		return fmt.Errorf("%w: override has expired", ErrValidation)
	}
	return nil
}

// OverrideAudit is the immutable record of an exercised budget override.
type OverrideAudit struct {
	ID            string
	Tenant        string
	ServiceOrigin string
	Actor         string
	Reason        string
	CorrelationID string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}
