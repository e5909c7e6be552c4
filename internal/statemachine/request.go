package statemachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emicklei/dot"
	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StateQueued   = sw.State(model.StateQueued)
	StateRunning  = sw.State(model.StateRunning)
	StateComplete = sw.State(model.StateComplete)
	StateError    = sw.State(model.StateError)

	Run      sw.TransitionType = "run"
	Complete sw.TransitionType = "complete"
	Fail     sw.TransitionType = "fail"
	Retry    sw.TransitionType = "retry"
)

var (
	ErrRequestTransition         = errors.New("error in node request transition")
	ErrInvalidRequestHandlerArgs = errors.New("expected a *HandlerContext{} type")
	ErrRequestTypeAssertion      = errors.New("expected a *model.NodeRequest{} type")
)

// HandlerContext is passed to the transition handlers.
type HandlerContext struct {
	Ctx context.Context

	// Err is the failure recorded on the request by the Fail transition.
	Err error

	Logger *logrus.Entry
}

// RequestTransitioner persists node request state changes.
type RequestTransitioner interface {
	SaveState(sw sw.StateSwitch, args sw.TransitionArgs) error
}

// RequestStateMachine drives a node request through
// queued -> running -> complete | error.
type RequestStateMachine struct {
	sm sw.StateMachine
}

// NewRequestStateMachine returns the node request statemachine, state changes are saved with handler.
func NewRequestStateMachine(handler RequestTransitioner) *RequestStateMachine {
	m := &RequestStateMachine{sm: sw.NewStateMachine()}

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   Run,
		SourceStates:     sw.States{StateQueued},
		DestinationState: StateRunning,
		PostTransition:   handler.SaveState,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   Complete,
		SourceStates:     sw.States{StateRunning},
		DestinationState: StateComplete,
		Transition:       clearMessage,
		PostTransition:   handler.SaveState,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   Fail,
		SourceStates:     sw.States{StateQueued, StateRunning},
		DestinationState: StateError,
		Transition:       recordError,
		PostTransition:   handler.SaveState,
	})

	// operator recovery of failed requests
	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   Retry,
		SourceStates:     sw.States{StateError},
		DestinationState: StateQueued,
		Transition:       clearMessage,
		PostTransition:   handler.SaveState,
	})

	m.describe()

	return m
}

func (m *RequestStateMachine) describe() {
	for _, doc := range []sw.StateDoc{
		{Name: string(StateQueued), Description: "The request is persisted and waiting for a worker."},
		{Name: string(StateRunning), Description: "A worker holds the request session and runs the node operation."},
		{Name: string(StateComplete), Description: "The node operation succeeded, the request is removed."},
		{Name: string(StateError), Description: "The node operation failed, the request is kept with the error message."},
	} {
		m.sm.DescribeState(sw.State(doc.Name), doc)
	}

	for _, doc := range []sw.TransitionTypeDoc{
		{Name: string(Run), Description: "A worker claimed the request session."},
		{Name: string(Complete), Description: "The node operation returned without error."},
		{Name: string(Fail), Description: "The node operation returned an error or panicked."},
		{Name: string(Retry), Description: "An operator re-queued a failed request."},
	} {
		m.sm.DescribeTransitionType(sw.TransitionType(doc.Name), doc)
	}
}

// Transition runs the transition on the node request.
func (m *RequestStateMachine) Transition(req *model.NodeRequest, transition sw.TransitionType, hctx *HandlerContext) error {
	err := m.sm.Run(transition, req, hctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, sw.NoConditionPassedToRunTransaction) {
		return errors.Wrap(
			ErrRequestTransition,
			fmt.Sprintf("no transition rule found for transition type '%s' and state '%s'", transition, req.RequestState),
		)
	}

	return err
}

// DescribeAsJSON returns a JSON output describing the node request statemachine.
func (m *RequestStateMachine) DescribeAsJSON() ([]byte, error) {
	return m.sm.AsJSON()
}

// Graph returns the node request statemachine as a directed graph.
func (m *RequestStateMachine) Graph() (*dot.Graph, error) {
	j, err := m.DescribeAsJSON()
	if err != nil {
		return nil, err
	}

	s := &sw.StateMachineJSON{}
	if err := json.Unmarshal(j, s); err != nil {
		return nil, err
	}

	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}

	node := func(name string) dot.Node {
		n, exists := nodes[name]
		if !exists {
			n = g.Node(name)
			nodes[name] = n
		}

		return n
	}

	for _, transition := range s.TransitionRules {
		for _, sourceState := range transition.SourceStates {
			g.Edge(node(sourceState), node(transition.DestinationState), transition.Name)
		}
	}

	return g, nil
}

func handlerContext(args sw.TransitionArgs) (*HandlerContext, error) {
	hctx, ok := args.(*HandlerContext)
	if !ok {
		return nil, ErrInvalidRequestHandlerArgs
	}

	return hctx, nil
}

func nodeRequest(s sw.StateSwitch) (*model.NodeRequest, error) {
	req, ok := s.(*model.NodeRequest)
	if !ok {
		return nil, ErrRequestTypeAssertion
	}

	return req, nil
}

func recordError(s sw.StateSwitch, args sw.TransitionArgs) error {
	req, err := nodeRequest(s)
	if err != nil {
		return err
	}

	hctx, err := handlerContext(args)
	if err != nil {
		return err
	}

	if hctx.Err != nil {
		req.Message = hctx.Err.Error()
	}

	if req.Message == "" {
		req.Message = "node request failed"
	}

	return nil
}

func clearMessage(s sw.StateSwitch, _ sw.TransitionArgs) error {
	req, err := nodeRequest(s)
	if err != nil {
		return err
	}

	req.Message = ""

	return nil
}

// StoreTransitioner saves node request state changes in a store session.
type StoreTransitioner struct {
	Session store.Session
}

func (s *StoreTransitioner) SaveState(t sw.StateSwitch, args sw.TransitionArgs) error {
	hctx, err := handlerContext(args)
	if err != nil {
		return err
	}

	req, err := nodeRequest(t)
	if err != nil {
		return err
	}

	return s.Session.UpdateNodeRequest(hctx.Ctx, req)
}
