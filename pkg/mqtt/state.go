package mqtt

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/Dev-CorliJoni/simple-mqtt/internal/pkg/metrics"
	fsmutil "github.com/Dev-CorliJoni/simple-mqtt/internal/pkg/util/fsm"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
)

const (
	// EventConnect starts the first network session.
	EventConnect = "event_connect"
	// EventEstablished follows an accepted CONNACK.
	EventEstablished = "event_established"
	// EventLost ends a session without a retry.
	EventLost = "event_lost"
	// EventSuspend ends a session and waits for the next retry.
	EventSuspend = "event_suspend"
	// EventRetry starts a reconnect attempt.
	EventRetry = "event_retry"
	// EventDisconnect begins Close.
	EventDisconnect = "event_disconnect"
	// EventClose finishes Close.
	EventClose = "event_close"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
	string(StateDisconnecting),
	string(StateClosed),
}

type stateMachine struct {
	*fsm.FSM

	log      log.Logger
	clientID string
}

func newStateMachine(logger log.Logger, clientID string) *stateMachine {
	m := &stateMachine{log: logger, clientID: clientID}

	events := fsm.Events{
		{Name: EventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
		{Name: EventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: EventLost, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
		{Name: EventSuspend, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateReconnecting)},
		{Name: EventRetry, Src: []string{string(StateReconnecting)}, Dst: string(StateConnecting)},
		{Name: EventDisconnect, Src: []string{
			string(StateDisconnected),
			string(StateConnecting),
			string(StateConnected),
			string(StateReconnecting),
		}, Dst: string(StateDisconnecting)},
		{Name: EventClose, Src: []string{string(StateDisconnecting)}, Dst: string(StateClosed)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(m.actionEnterState),
	}

	m.FSM = fsm.NewFSM(string(StateDisconnected), events, callbacks)
	metrics.SetState(clientID, string(StateDisconnected), allStates)
	return m
}

func (m *stateMachine) state() State { return State(m.Current()) }

func (m *stateMachine) is(s State) bool { return m.Is(string(s)) }

// fire runs event and reports only genuine failures.
func (m *stateMachine) fire(event string) error {
	if err := m.Event(context.Background(), event); fsmutil.IsRealError(err) {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidState, event, m.Current(), err)
	}
	return nil
}

// mustFire is used where the loop already checked the source state.
func (m *stateMachine) mustFire(event string) {
	if err := m.fire(event); err != nil {
		m.log.Error(err, "Unexpected state transition")
	}
}

func (m *stateMachine) actionEnterState(_ context.Context, e *fsm.Event) error {
	m.log.Debug("State changed", "event", e.Event, "from", e.Src, "to", e.Dst)
	metrics.SetState(m.clientID, e.Dst, allStates)
	return nil
}
