package statemachine

import (
	"context"
	"errors"
	"testing"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	saved []model.RequestState
	err   error
}

func (h *recordingHandler) SaveState(s sw.StateSwitch, _ sw.TransitionArgs) error {
	h.saved = append(h.saved, model.RequestState(s.State()))
	return h.err
}

func newRequestFixture(t *testing.T, state model.RequestState) *model.NodeRequest {
	t.Helper()

	req, err := model.NewNodeRequest("session-1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-05"})
	require.NoError(t, err)

	req.RequestState = state

	return req
}

func Test_Transitions(t *testing.T) {
	tests := []struct {
		name          string
		state         model.RequestState
		transition    sw.TransitionType
		hctx          *HandlerContext
		expectedState model.RequestState
		expectedMsg   string
		expectErr     error
	}{
		{"queued to running", model.StateQueued, Run, &HandlerContext{}, model.StateRunning, "", nil},
		{"running to complete", model.StateRunning, Complete, &HandlerContext{}, model.StateComplete, "", nil},
		{"running to error", model.StateRunning, Fail, &HandlerContext{Err: errors.New("boom")}, model.StateError, "boom", nil},
		{"queued to error", model.StateQueued, Fail, &HandlerContext{}, model.StateError, "node request failed", nil},
		{"error to queued", model.StateError, Retry, &HandlerContext{}, model.StateQueued, "", nil},
		{"running can not run", model.StateRunning, Run, &HandlerContext{}, model.StateRunning, "", ErrRequestTransition},
		{"queued can not complete", model.StateQueued, Complete, &HandlerContext{}, model.StateQueued, "", ErrRequestTransition},
		{"complete can not fail", model.StateComplete, Fail, &HandlerContext{}, model.StateComplete, "", ErrRequestTransition},
		{"running can not retry", model.StateRunning, Retry, &HandlerContext{}, model.StateRunning, "", ErrRequestTransition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := &recordingHandler{}
			m := NewRequestStateMachine(handler)

			req := newRequestFixture(t, tc.state)
			if tc.state == model.StateError {
				req.Message = "previous failure"
			}

			tc.hctx.Ctx = context.Background()

			err := m.Transition(req, tc.transition, tc.hctx)
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				assert.Empty(t, handler.saved)
				assert.Equal(t, tc.expectedState, req.RequestState)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectedState, req.RequestState)
			assert.Equal(t, tc.expectedMsg, req.Message)
			assert.Equal(t, []model.RequestState{tc.expectedState}, handler.saved)
		})
	}
}

func Test_SaveStateError(t *testing.T) {
	saveErr := errors.New("store unavailable")
	m := NewRequestStateMachine(&recordingHandler{err: saveErr})

	err := m.Transition(newRequestFixture(t, model.StateQueued), Run, &HandlerContext{Ctx: context.Background()})
	assert.ErrorIs(t, err, saveErr)
}

func Test_Graph(t *testing.T) {
	m := NewRequestStateMachine(&recordingHandler{})

	j, err := m.DescribeAsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(j), "A worker claimed the request session.")

	g, err := m.Graph()
	require.NoError(t, err)

	assert.Len(t, g.FindNodes(), 4)
}
