package purchasing

import (
	"fmt"
	"slices"
	"strings"

	"github.com/warocol/purchasing/internal/shared"
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusQuotation         Status = "quotation"
	StatusPending           Status = "pending"
	StatusConfirmed         Status = "confirmed"
	StatusPreparing         Status = "preparing"
	StatusShipped           Status = "shipped"
	StatusPartiallyReceived Status = "partially_received"
	StatusReceived          Status = "received"
	StatusVerified          Status = "verified"
	StatusInvoiced          Status = "invoiced"
	StatusPaid              Status = "paid"
	StatusCancelled         Status = "cancelled"
	StatusOverdue           Status = "overdue"
)

var allStatuses = []Status{
	StatusQuotation, StatusPending, StatusConfirmed, StatusPreparing, StatusShipped,
	StatusPartiallyReceived, StatusReceived, StatusVerified, StatusInvoiced,
	StatusPaid, StatusCancelled, StatusOverdue,
}

// Statuses lists every known status in lifecycle order.
func Statuses() []Status {
	return slices.Clone(allStatuses)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(allStatuses, s)
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q: %w", raw, shared.ErrValidation)
	}
	return s, nil
}

// Progress captures lifecycle milestones that refine the static table.
type Progress struct {
	// Delivered is set once goods have been received.
	Delivered bool
	// Settled is set once a payment has been recorded.
	Settled bool
}

// ProgressOf derives milestones from the purchase timestamps.
func ProgressOf(p Purchase) Progress {
	return Progress{Delivered: p.ReceivedAt != nil, Settled: p.PaidAt != nil}
}

// TransitionTable is an immutable directed graph of legal status changes.
//
// A single graph serves both payment flows. Pay-before-ship purchases move
// confirmed -> paid -> invoiced -> shipped, while post-delivery purchases move
// verified -> paid. Two milestone rules keep the graph from admitting
// unintended paths: a paid purchase that was already delivered is terminal,
// and a purchase that was already settled can never be paid again.
type TransitionTable struct {
	edges map[Status][]Status
}

// NewTransitionTable copies edges into a new table.
func NewTransitionTable(edges map[Status][]Status) TransitionTable {
	copied := make(map[Status][]Status, len(edges))
	for from, to := range edges {
		copied[from] = slices.Clone(to)
	}
	return TransitionTable{edges: copied}
}

// DefaultTransitions returns the production transition graph.
func DefaultTransitions() TransitionTable {
	return NewTransitionTable(map[Status][]Status{
		StatusQuotation:         {StatusPending, StatusCancelled},
		StatusPending:           {StatusConfirmed, StatusCancelled},
		StatusConfirmed:         {StatusPreparing, StatusShipped, StatusPaid, StatusInvoiced, StatusCancelled},
		StatusPreparing:         {StatusShipped, StatusPaid, StatusInvoiced, StatusCancelled},
		StatusPaid:              {StatusInvoiced},
		StatusInvoiced:          {StatusShipped},
		StatusShipped:           {StatusReceived, StatusPartiallyReceived, StatusOverdue},
		StatusPartiallyReceived: {StatusReceived, StatusOverdue},
		StatusReceived:          {StatusVerified},
		StatusVerified:          {StatusPaid},
		StatusCancelled:         {},
		StatusOverdue:           {StatusShipped, StatusReceived, StatusCancelled},
	})
}

// Next lists the statuses reachable from "from" given the purchase milestones.
func (t TransitionTable) Next(from Status, progress Progress) []Status {
	if from == StatusPaid && progress.Delivered {
		return []Status{}
	}
	next := make([]Status, 0, len(t.edges[from]))
	for _, to := range t.edges[from] {
		if to == StatusPaid && progress.Settled {
			continue
		}
		next = append(next, to)
	}
	return next
}

// CanTransition reports whether from -> to is legal.
func (t TransitionTable) CanTransition(from, to Status, progress Progress) bool {
	return slices.Contains(t.Next(from, progress), to)
}

// Validate returns an *InvalidTransitionError when from -> to is not legal.
func (t TransitionTable) Validate(from, to Status, progress Progress) error {
	if t.CanTransition(from, to, progress) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: t.Next(from, progress)}
}

// CanCancel reports whether a purchase in status from may be cancelled.
// Cancellation bypasses the graph and is refused only in the terminal states.
func (t TransitionTable) CanCancel(from Status) bool {
	return from != StatusPaid && from != StatusCancelled
}

// ValidateCancel mirrors Validate for cancellation.
func (t TransitionTable) ValidateCancel(from Status, progress Progress) error {
	if t.CanCancel(from) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: StatusCancelled, Allowed: t.Next(from, progress)}
}

// InvalidTransitionError names the current and attempted status plus the legal next states.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("purchasing: cannot transition from %q to %q; valid next states: [%s]", e.From, e.To, strings.Join(allowed, ", "))
}

// Is matches shared.ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == shared.ErrInvalidTransition
}

// CurrentStatus implements httpx.TransitionDetail.
func (e *InvalidTransitionError) CurrentStatus() string { return string(e.From) }

// AttemptedStatus implements httpx.TransitionDetail.
func (e *InvalidTransitionError) AttemptedStatus() string { return string(e.To) }

// AllowedStatuses implements httpx.TransitionDetail.
func (e *InvalidTransitionError) AllowedStatuses() []string {
	out := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		out[i] = string(s)
	}
	return out
}
