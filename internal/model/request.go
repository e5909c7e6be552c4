package model

import (
	"encoding/json"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RequestAction is the kind of work a node request carries.
type RequestAction string

// RequestState is the state of a node request.
type RequestState string

const (
	ActionAdd    RequestAction = "ADD"
	ActionDelete RequestAction = "DELETE"

	// node request states
	//
	// states a node request transitions through
	StateQueued   RequestState = "queued"
	StateRunning  RequestState = "running"
	StateError    RequestState = "error"
	StateComplete RequestState = "complete"

	RequestVersion = "0.1"
)

// RequestStates returns the valid node request states.
func RequestStates() []RequestState {
	return []RequestState{StateQueued, StateRunning, StateError, StateComplete}
}

// NodeRequest is a durable unit of add or delete host work.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type NodeRequest struct {
	// StructVersion indicates the NodeRequest object version.
	StructVersion string `json:"request_version"`

	ID uuid.UUID `json:"id"`

	// AddHostSession is unique, it is the idempotency key for the request
	// and the correlation identifier on the work queue.
	AddHostSession string `json:"add_host_session"`

	Action RequestAction `json:"action"`

	// Request is the JSON encoded AddHostRequest or DeleteHostRequest.
	Request json.RawMessage `json:"request"`

	// RequestState is the current state, accessed through State(), SetState().
	RequestState RequestState `json:"state"`

	// Message holds the last error text.
	Message string `json:"message,omitempty"`

	// Admin is the submitter of the request.
	Admin string `json:"admin,omitempty"`

	// Retries counts the operator retries of a failed request.
	Retries int `json:"retries,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastUpdate time.Time `json:"last_update"`
}

// State implements the stateswitch.StateSwitch interface
func (r *NodeRequest) State() sw.State {
	return sw.State(r.RequestState)
}

// SetState implements the stateswitch.StateSwitch interface
func (r *NodeRequest) SetState(state sw.State) error {
	r.RequestState = RequestState(state)
	r.LastUpdate = time.Now().UTC()

	return nil
}

// NewNodeRequest returns a queued node request for the given session and payload.
func NewNodeRequest(session string, action RequestAction, payload interface{}) (*NodeRequest, error) {
	if session == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "node request session id required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "node request payload: "+err.Error())
	}

	now := time.Now().UTC()

	return &NodeRequest{
		StructVersion:  RequestVersion,
		ID:             uuid.New(),
		AddHostSession: session,
		Action:         action,
		Request:        raw,
		RequestState:   StateQueued,
		CreatedAt:      now,
		LastUpdate:     now,
	}, nil
}

// AddHostRequest decodes the add host payload of the request.
func (r *NodeRequest) AddHostRequest() (*AddHostRequest, error) {
	if r.Action != ActionAdd {
		return nil, errors.Wrap(ErrInvalidArgument, "not an add host request: "+string(r.Action))
	}

	req := &AddHostRequest{}
	if err := json.Unmarshal(r.Request, req); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "add host request payload: "+err.Error())
	}

	req.AddHostSession = r.AddHostSession

	return req, nil
}

// DeleteHostRequest decodes the delete host payload of the request.
func (r *NodeRequest) DeleteHostRequest() (*DeleteHostRequest, error) {
	if r.Action != ActionDelete {
		return nil, errors.Wrap(ErrInvalidArgument, "not a delete host request: "+string(r.Action))
	}

	req := &DeleteHostRequest{}
	if err := json.Unmarshal(r.Request, req); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "delete host request payload: "+err.Error())
	}

	return req, nil
}

// NicDetail holds the client supplied interface details for a node.
type NicDetail struct {
	MAC string `json:"mac,omitempty" yaml:"mac,omitempty" validate:"omitempty,mac"`
	IP  string `json:"ip,omitempty" yaml:"ip,omitempty" validate:"omitempty,ip"`
}

// NodeDetail holds the client supplied details for a node to be added.
type NodeDetail struct {
	Name string      `json:"name,omitempty" yaml:"name,omitempty" validate:"omitempty,hostname_rfc1123"`
	Nics []NicDetail `json:"nics,omitempty" yaml:"nics,omitempty" validate:"dive"`
}

// AddHostRequest describes the nodes to be added.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type AddHostRequest struct {
	HardwareProfile string            `json:"hardwareProfile,omitempty" yaml:"hardwareProfile,omitempty"`
	SoftwareProfile string            `json:"softwareProfile,omitempty" yaml:"softwareProfile,omitempty"`
	Count           int               `json:"count,omitempty" yaml:"count,omitempty" validate:"gte=0"`
	NodeDetails     []NodeDetail      `json:"nodeDetails,omitempty" yaml:"nodeDetails,omitempty" validate:"dive"`
	Tags            map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	IsIdle          bool              `json:"isIdle,omitempty" yaml:"isIdle,omitempty"`

	// AddHostSession is set by the pipeline, client supplied values are ignored.
	AddHostSession string `json:"addHostSession,omitempty" yaml:"-"`
}

// NodeCount returns the number of nodes requested.
func (r *AddHostRequest) NodeCount() int {
	if len(r.NodeDetails) > r.Count {
		return len(r.NodeDetails)
	}

	return r.Count
}

// DeleteHostRequest describes the nodes to be deleted.
type DeleteHostRequest struct {
	Nodespec string `json:"nodespec" yaml:"nodespec" validate:"required"`
	Force    bool   `json:"force" yaml:"force"`
}
