package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		from  FunctionRunStatus
		event Event
		want  FunctionRunStatus
	}{
		{StatusScheduled, EventCanceled, StatusCanceled},
		{StatusRunRequested, EventRunning, StatusRunning},
		{StatusRunning, EventDone, StatusDone},
		{StatusDone, EventCommitted, StatusCommitted},
		{StatusFailed, EventReScheduled, StatusReScheduled},
		{StatusOnHold, EventReScheduled, StatusReScheduled},
	}
	for _, tc := range cases {
		got, ok := Transition(tc.from, tc.event)
		require.True(t, ok, "%s -%s-> should be allowed", tc.from, tc.event)
		require.Equal(t, tc.want, got)
	}
}

func TestTransitionDisallowedIsNoOp(t *testing.T) {
	got, ok := Transition(StatusCommitted, EventCanceled)
	require.False(t, ok)
	require.Equal(t, StatusCommitted, got)

	got, ok = Transition(StatusScheduled, EventDone)
	require.False(t, ok)
	require.Equal(t, StatusScheduled, got)
}

func TestTerminalStatusesHaveNoOutgoingTransitions(t *testing.T) {
	for _, s := range []FunctionRunStatus{StatusCommitted, StatusYanked, StatusCanceled} {
		require.True(t, s.IsTerminal())
		for _, e := range []Event{EventRunning, EventDone, EventFailed, EventCanceled, EventCommitted, EventYanked, EventReScheduled} {
			_, ok := Transition(s, e)
			require.False(t, ok, "%s should have no outgoing transition on %s", s, e)
		}
	}
}

func TestReplayedCallbackIsIdempotent(t *testing.T) {
	s := StatusRunning
	s1, ok := Transition(s, EventDone)
	require.True(t, ok)
	require.Equal(t, StatusDone, s1)

	// Replaying Done again against the already-advanced status is a no-op.
	s2, ok := Transition(s1, EventDone)
	require.False(t, ok)
	require.Equal(t, s1, s2)
}
