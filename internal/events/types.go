package events

import (
	"encoding/json"
	"time"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

// Name identifies an event type.
type Name string

const (
	AddNodeRequestQueued       Name = "add-node-request-queued"
	DeleteNodeRequestQueued    Name = "delete-node-request-queued"
	AddNodeRequestComplete     Name = "add-node-request-complete"
	DeleteNodeRequestComplete  Name = "delete-node-request-complete"
	NodeRequestFailedEventName Name = "node-request-failed"
	TaskFailedEventName        Name = "task-failed"
	NodeStateChangedEventName  Name = "node-state-changed"
)

var (
	ErrEventNotFound = errors.New("event type not registered")
	ErrEventDecode   = errors.New("event decode error")
)

// Event is a lifecycle event published to observers.
type Event interface {
	EventBase() *Base
}

// Base holds the fields common to all events.
type Base struct {
	Name      Name      `json:"name"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

func (b *Base) EventBase() *Base {
	return b
}

// NodeRequestQueued is fired when an add or delete node request is created.
//
// RequestID is set for add requests, TransactionID for delete requests.
type NodeRequestQueued struct {
	Base
	RequestID     string `json:"request_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// NodeRequestComplete is fired when a node request is processed successfully.
type NodeRequestComplete struct {
	Base
	RequestID     string   `json:"request_id"`
	TransactionID string   `json:"transaction_id"`
	Nodes         []string `json:"nodes,omitempty"`
}

// NodeRequestFailed is fired when processing a node request fails.
type NodeRequestFailed struct {
	Base
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id"`
	Action        string `json:"action"`
	Error         string `json:"error"`
}

// TaskFailed is fired when a worker task fails.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type TaskFailed struct {
	Base
	TaskID     string            `json:"task_id"`
	TaskName   string            `json:"task_name"`
	TaskError  string            `json:"task_error"`
	TaskArgs   []string          `json:"task_args"`
	TaskKwargs map[string]string `json:"task_kwargs"`
	TaskTrace  string            `json:"task_trace,omitempty"`
}

// NodeStateChanged is fired when a node changes state.
type NodeStateChanged struct {
	Base
	Node          string `json:"node"`
	PreviousState string `json:"previous_state"`
	CurrentState  string `json:"current_state"`
}

// registry maps event names to constructors of the matching type.
var registry = map[Name]func() Event{
	AddNodeRequestQueued:       func() Event { return &NodeRequestQueued{} },
	DeleteNodeRequestQueued:    func() Event { return &NodeRequestQueued{} },
	AddNodeRequestComplete:     func() Event { return &NodeRequestComplete{} },
	DeleteNodeRequestComplete:  func() Event { return &NodeRequestComplete{} },
	NodeRequestFailedEventName: func() Event { return &NodeRequestFailed{} },
	TaskFailedEventName:        func() Event { return &TaskFailed{} },
	NodeStateChangedEventName:  func() Event { return &NodeStateChanged{} },
}

// Names returns the registered event names.
func Names() []Name {
	names := make([]Name, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	return names
}

// New returns an empty event of the registered type.
func New(name Name) (Event, error) {
	fn, exists := registry[name]
	if !exists {
		return nil, errors.Wrap(ErrEventNotFound, string(name))
	}

	e := fn()
	e.EventBase().Name = name

	return e, nil
}

// Decode returns the typed event encoded in data.
func Decode(data []byte) (Event, error) {
	b := &Base{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(ErrEventDecode, err.Error())
	}

	e, err := New(b.Name)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrap(ErrEventDecode, err.Error())
	}

	return e, nil
}

// Event constructors

func NewNodeRequestQueued(req *model.NodeRequest) *NodeRequestQueued {
	e := &NodeRequestQueued{}

	switch req.Action {
	case model.ActionAdd:
		e.Name = AddNodeRequestQueued
		e.RequestID = req.ID.String()
	default:
		e.Name = DeleteNodeRequestQueued
		e.TransactionID = req.AddHostSession
	}

	return e
}

func NewNodeRequestComplete(req *model.NodeRequest, nodes []string) *NodeRequestComplete {
	name := DeleteNodeRequestComplete
	if req.Action == model.ActionAdd {
		name = AddNodeRequestComplete
	}

	return &NodeRequestComplete{
		Base:          Base{Name: name},
		RequestID:     req.ID.String(),
		TransactionID: req.AddHostSession,
		Nodes:         nodes,
	}
}

func NewNodeRequestFailed(req *model.NodeRequest, err error) *NodeRequestFailed {
	return &NodeRequestFailed{
		Base:          Base{Name: NodeRequestFailedEventName, Message: req.Message},
		RequestID:     req.ID.String(),
		TransactionID: req.AddHostSession,
		Action:        string(req.Action),
		Error:         err.Error(),
	}
}

func NewTaskFailed(taskID, taskName string, err error, args []string, kwargs map[string]string, trace string) *TaskFailed {
	return &TaskFailed{
		Base:       Base{Name: TaskFailedEventName},
		TaskID:     taskID,
		TaskName:   taskName,
		TaskError:  err.Error(),
		TaskArgs:   args,
		TaskKwargs: kwargs,
		TaskTrace:  trace,
	}
}

func NewNodeStateChanged(node string, previous, current model.NodeState) *NodeStateChanged {
	return &NodeStateChanged{
		Base:          Base{Name: NodeStateChangedEventName},
		Node:          node,
		PreviousState: string(previous),
		CurrentState:  string(current),
	}
}
