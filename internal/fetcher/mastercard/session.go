package mastercard

import (
	"context"
	"errors"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

// ErrForbidden is returned by a Session when the provider answered the
// intercepted quote request with HTTP 403.
var ErrForbidden = errors.New("forbidden")

// Driver launches automated browser sessions.
type Driver interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one live automated browser.
type Session interface {
	// WarmUp visits the landing page and opens the quote form.
	WarmUp(ctx context.Context) error
	// Quote submits the form for req and returns the intercepted quote.
	// Errors: ErrForbidden, archive.ErrSessionDead, archive.ErrTimeout,
	// archive.ErrNotFound, archive.ErrInvalidResponse.
	Quote(ctx context.Context, req archive.BatchRequest) (archive.Observation, error)
	// Reset reloads the form page.
	Reset(ctx context.Context) error
	// Disconnected is closed when the browser goes away.
	Disconnected() <-chan struct{}
	Close() error
}

// State is the session lifecycle state.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StateReady
	StateRefreshing
	StateRestarting
	StateBackoff
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateRestarting:
		return "restarting"
	case StateBackoff:
		return "backoff"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Event drives state transitions.
type Event int

// Session events.
const (
	EventFetchDue Event = iota
	EventRefreshDue
	EventRestartDue
	EventLaunched
	EventLaunchFailed
	EventRefreshed
	EventForbidden
	EventSessionLost
	EventDisconnected
	EventBackoffElapsed
	EventBatchEnded
)

func (e Event) String() string {
	switch e {
	case EventFetchDue:
		return "fetch_due"
	case EventRefreshDue:
		return "refresh_due"
	case EventRestartDue:
		return "restart_due"
	case EventLaunched:
		return "launched"
	case EventLaunchFailed:
		return "launch_failed"
	case EventRefreshed:
		return "refreshed"
	case EventForbidden:
		return "forbidden"
	case EventSessionLost:
		return "session_lost"
	case EventDisconnected:
		return "disconnected"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventBatchEnded:
		return "batch_ended"
	default:
		return "unknown"
	}
}

// Action is the side effect the worker performs after a transition.
type Action int

// Transition actions.
const (
	ActionNone Action = iota
	ActionLaunch
	ActionRefresh
	ActionRestart
	ActionTeardownBackoff
	ActionTeardown
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLaunch:
		return "launch"
	case ActionRefresh:
		return "refresh"
	case ActionRestart:
		return "restart"
	case ActionTeardownBackoff:
		return "teardown_backoff"
	case ActionTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

type transitionKey struct {
	from  State
	event Event
}

type transition struct {
	to     State
	action Action
}

// transitions is the complete lifecycle table. Pairs missing from the table
// are invalid and leave the state unchanged.
var transitions = map[transitionKey]transition{
	{StateUninitialized, EventFetchDue}:     {StateUninitialized, ActionLaunch},
	{StateUninitialized, EventLaunched}:     {StateReady, ActionNone},
	{StateUninitialized, EventLaunchFailed}: {StateDead, ActionTeardown},
	{StateUninitialized, EventDisconnected}: {StateUninitialized, ActionNone},
	{StateUninitialized, EventBatchEnded}:   {StateUninitialized, ActionNone},

	{StateReady, EventFetchDue}:     {StateReady, ActionNone},
	{StateReady, EventRefreshDue}:   {StateRefreshing, ActionRefresh},
	{StateReady, EventRestartDue}:   {StateRestarting, ActionRestart},
	{StateReady, EventForbidden}:    {StateBackoff, ActionTeardownBackoff},
	{StateReady, EventSessionLost}:  {StateBackoff, ActionTeardownBackoff},
	{StateReady, EventDisconnected}: {StateUninitialized, ActionTeardown},
	{StateReady, EventBatchEnded}:   {StateUninitialized, ActionTeardown},

	{StateRefreshing, EventRefreshed}:    {StateReady, ActionNone},
	{StateRefreshing, EventSessionLost}:  {StateBackoff, ActionTeardownBackoff},
	{StateRefreshing, EventDisconnected}: {StateUninitialized, ActionTeardown},

	{StateRestarting, EventLaunched}:     {StateReady, ActionNone},
	{StateRestarting, EventLaunchFailed}: {StateDead, ActionTeardown},
	{StateRestarting, EventDisconnected}: {StateRestarting, ActionNone},

	{StateBackoff, EventFetchDue}:       {StateBackoff, ActionNone},
	{StateBackoff, EventBackoffElapsed}: {StateUninitialized, ActionNone},
	{StateBackoff, EventDisconnected}:   {StateBackoff, ActionNone},
	{StateBackoff, EventBatchEnded}:     {StateBackoff, ActionNone},

	{StateDead, EventFetchDue}:     {StateDead, ActionNone},
	{StateDead, EventDisconnected}: {StateDead, ActionNone},
	{StateDead, EventBatchEnded}:   {StateUninitialized, ActionNone},
}

// Next looks up the transition for (from, event).
func Next(from State, event Event) (State, Action, bool) {
	t, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return from, ActionNone, false
	}
	return t.to, t.action, true
}
