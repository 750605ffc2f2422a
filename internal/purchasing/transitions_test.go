package purchasing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warocol/purchasing/internal/shared"
)

func TestDefaultTransitions(t *testing.T) {
	table := DefaultTransitions()
	cases := []struct {
		from, to Status
		progress Progress
		ok       bool
	}{
		{StatusQuotation, StatusPending, Progress{}, true},
		{StatusQuotation, StatusConfirmed, Progress{}, false},
		{StatusPending, StatusConfirmed, Progress{}, true},
		{StatusConfirmed, StatusPaid, Progress{}, true},
		{StatusPaid, StatusInvoiced, Progress{Settled: true}, true},
		{StatusPaid, StatusInvoiced, Progress{Settled: true, Delivered: true}, false},
		{StatusInvoiced, StatusShipped, Progress{}, true},
		{StatusShipped, StatusOverdue, Progress{}, true},
		{StatusOverdue, StatusReceived, Progress{}, true},
		{StatusReceived, StatusVerified, Progress{Delivered: true}, true},
		{StatusVerified, StatusPaid, Progress{Delivered: true}, true},
		{StatusVerified, StatusPaid, Progress{Delivered: true, Settled: true}, false},
		{StatusCancelled, StatusPending, Progress{}, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, table.CanTransition(tc.from, tc.to, tc.progress))
		})
	}
}

func TestEveryStatusHasAnEntry(t *testing.T) {
	table := DefaultTransitions()
	for _, s := range Statuses() {
		_, ok := table.edges[s]
		assert.True(t, ok, "status %s missing from table", s)
	}
}

func TestCancelBoundary(t *testing.T) {
	table := DefaultTransitions()
	for _, s := range Statuses() {
		want := s != StatusPaid && s != StatusCancelled
		assert.Equal(t, want, table.CanCancel(s), s)
	}
	err := table.ValidateCancel(StatusPaid, Progress{Settled: true})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestCustomTableIsCopied(t *testing.T) {
	edges := map[Status][]Status{StatusPending: {StatusConfirmed}}
	table := NewTransitionTable(edges)
	edges[StatusPending][0] = StatusCancelled

	assert.Equal(t, []Status{StatusConfirmed}, table.Next(StatusPending, Progress{}))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Shipped ")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, s)

	_, err = ParseStatus("lost")
	require.ErrorIs(t, err, shared.ErrValidation)
}
