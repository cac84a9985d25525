package domain

// TransitionEvent names the trigger that moves a case between states.
type TransitionEvent string

const (
	EventFoundEvidence  TransitionEvent = "FOUND_EVIDENCE"
	EventOutreachSentOK TransitionEvent = "OUTREACH_SENT_OK"
	EventNoEvidence     TransitionEvent = "NO_EVIDENCE"
	EventFollowupSentOK TransitionEvent = "FOLLOWUP_SENT_OK"
	EventEscalation     TransitionEvent = "ESCALATION"
	EventResolveOK      TransitionEvent = "RESOLVE_OK"
	EventNoSignal       TransitionEvent = "NO_SIGNAL"
	EventUserReopen     TransitionEvent = "USER_REOPEN"
	EventUserRetry      TransitionEvent = "USER_RETRY"
	EventFailure        TransitionEvent = "FAILURE"
)

type transitionKey struct {
	From  CaseState
	Event TransitionEvent
}

// transitionTable holds every allowed (from, event) → to edge.
// FAILURE is handled separately: it is legal from any state.
var transitionTable = map[transitionKey]CaseState{
	{StateInboxLookup, EventFoundEvidence}:   StateParsed,
	{StateInboxLookup, EventOutreachSentOK}:  StateOutreachSent,
	{StateInboxLookup, EventNoEvidence}:      StateWaiting,
	{StateOutreachSent, EventFoundEvidence}:  StateParsed,
	{StateOutreachSent, EventNoEvidence}:     StateWaiting,
	{StateWaiting, EventFoundEvidence}:       StateParsed,
	{StateWaiting, EventNoEvidence}:          StateWaiting,
	{StateWaiting, EventFollowupSentOK}:      StateFollowupSent,
	{StateWaiting, EventEscalation}:          StateEscalated,
	{StateFollowupSent, EventFoundEvidence}:  StateParsed,
	{StateFollowupSent, EventNoEvidence}:     StateWaiting,
	{StateParsed, EventResolveOK}:            StateResolved,
	{StateParsed, EventNoSignal}:             StateWaiting,
	{StateResolved, EventUserReopen}:         StateWaiting,
	{StateEscalated, EventUserRetry}:         StateWaiting,
	{StateError, EventUserRetry}:             StateInboxLookup,
}

// InitialState is where newly ingested cases start.
const InitialState = StateInboxLookup

// TransitionAllowed reports whether (from, event) may land in to.
func TransitionAllowed(from CaseState, event TransitionEvent, to CaseState) bool {
	if event == EventFailure {
		return to == StateError
	}
	target, ok := transitionTable[transitionKey{from, event}]
	return ok && target == to
}

// TransitionTarget resolves the destination state for (from, event),
// or empty when the edge is illegal.
func TransitionTarget(from CaseState, event TransitionEvent) CaseState {
	if event == EventFailure {
		return StateError
	}
	return transitionTable[transitionKey{from, event}]
}
