package domain

import "testing"

func TestTransitionTargetTable(t *testing.T) {
	tests := []struct {
		from  CaseState
		event TransitionEvent
		want  CaseState
	}{
		{StateInboxLookup, EventFoundEvidence, StateParsed},
		{StateInboxLookup, EventOutreachSentOK, StateOutreachSent},
		{StateInboxLookup, EventNoEvidence, StateWaiting},
		{StateOutreachSent, EventFoundEvidence, StateParsed},
		{StateOutreachSent, EventNoEvidence, StateWaiting},
		{StateWaiting, EventFoundEvidence, StateParsed},
		{StateWaiting, EventNoEvidence, StateWaiting},
		{StateWaiting, EventFollowupSentOK, StateFollowupSent},
		{StateWaiting, EventEscalation, StateEscalated},
		{StateFollowupSent, EventFoundEvidence, StateParsed},
		{StateFollowupSent, EventNoEvidence, StateWaiting},
		{StateParsed, EventResolveOK, StateResolved},
		{StateParsed, EventNoSignal, StateWaiting},
		{StateResolved, EventUserReopen, StateWaiting},
		{StateEscalated, EventUserRetry, StateWaiting},
		{StateError, EventUserRetry, StateInboxLookup},
	}

	for _, tt := range tests {
		if got := TransitionTarget(tt.from, tt.event); got != tt.want {
			t.Errorf("TransitionTarget(%s, %s) = %q, want %q", tt.from, tt.event, got, tt.want)
		}
		if !TransitionAllowed(tt.from, tt.event, tt.want) {
			t.Errorf("TransitionAllowed(%s, %s, %s) = false, want true", tt.from, tt.event, tt.want)
		}
	}
}

func TestTransitionIllegalEdges(t *testing.T) {
	tests := []struct {
		from  CaseState
		event TransitionEvent
	}{
		{StateResolved, EventFoundEvidence},
		{StateResolved, EventNoEvidence},
		{StateParsed, EventFoundEvidence},
		{StateInboxLookup, EventResolveOK},
		{StateInboxLookup, EventFollowupSentOK},
		{StateOutreachSent, EventOutreachSentOK},
		{StateError, EventFoundEvidence},
		{StateEscalated, EventNoEvidence},
	}

	for _, tt := range tests {
		if got := TransitionTarget(tt.from, tt.event); got != "" {
			t.Errorf("TransitionTarget(%s, %s) = %q, want illegal", tt.from, tt.event, got)
		}
	}
}

func TestFailureLegalFromAnyState(t *testing.T) {
	states := []CaseState{
		StateInboxLookup, StateOutreachSent, StateWaiting, StateFollowupSent,
		StateParsed, StateResolved, StateEscalated, StateError,
	}
	for _, from := range states {
		if got := TransitionTarget(from, EventFailure); got != StateError {
			t.Errorf("TransitionTarget(%s, FAILURE) = %q, want ERROR", from, got)
		}
		if !TransitionAllowed(from, EventFailure, StateError) {
			t.Errorf("TransitionAllowed(%s, FAILURE, ERROR) = false", from)
		}
		if TransitionAllowed(from, EventFailure, StateWaiting) {
			t.Errorf("TransitionAllowed(%s, FAILURE, WAITING) = true, want false", from)
		}
	}
}

func TestIsScheduled(t *testing.T) {
	scheduled := map[CaseState]bool{
		StateOutreachSent: true,
		StateWaiting:      true,
		StateFollowupSent: true,
		StateInboxLookup:  false,
		StateParsed:       false,
		StateResolved:     false,
		StateEscalated:    false,
		StateError:        false,
	}
	for state, want := range scheduled {
		if got := state.IsScheduled(); got != want {
			t.Errorf("%s.IsScheduled() = %v, want %v", state, got, want)
		}
	}
}
