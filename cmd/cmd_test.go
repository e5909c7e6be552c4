package cmd

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/provisioner/internal/client"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRequestClient returns the states in order, the request is gone once they run out.
type fakeRequestClient struct {
	states   []model.RequestState
	messages [][]string
	starts   []int
}

func (f *fakeRequestClient) NodeRequest(_ context.Context, id string) (*model.NodeRequest, error) {
	if len(f.states) == 0 {
		return nil, &client.APIError{StatusCode: http.StatusNotFound, Message: "node request not found: " + id}
	}

	state := f.states[0]
	f.states = f.states[1:]

	return &model.NodeRequest{AddHostSession: id, RequestState: state, Message: "adapter failed"}, nil
}

func (f *fakeRequestClient) SessionStatus(_ context.Context, id string, start int) (*session.Status, error) {
	f.starts = append(f.starts, start)

	status := &session.Status{Session: id}
	if len(f.messages) > 0 {
		status.Messages = f.messages[0]
		f.messages = f.messages[1:]
	}

	return status, nil
}

func TestWaitNodeRequest(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		c := &fakeRequestClient{
			states:   []model.RequestState{model.StateRunning},
			messages: [][]string{{"created VM 9000"}, {"created VM 9001"}},
		}

		var out bytes.Buffer
		err := waitNodeRequest(context.Background(), c, "s1", &out, 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, "created VM 9000\ncreated VM 9001\n", out.String())
		assert.Equal(t, []int{0, 1}, c.starts)
	})

	t.Run("failed", func(t *testing.T) {
		c := &fakeRequestClient{states: []model.RequestState{model.StateError}}

		err := waitNodeRequest(context.Background(), c, "s1", &bytes.Buffer{}, 10*time.Second)
		assert.ErrorIs(t, err, ErrNodeRequestFailed)
		assert.Contains(t, err.Error(), "adapter failed")
	})

	t.Run("timeout", func(t *testing.T) {
		states := make([]model.RequestState, 100)
		for i := range states {
			states[i] = model.StateQueued
		}

		c := &fakeRequestClient{states: states}

		err := waitNodeRequest(context.Background(), c, "s1", &bytes.Buffer{}, 100*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPrintOutput(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	reqs := []*model.NodeRequest{
		{AddHostSession: "s1", Action: model.ActionAdd, RequestState: model.StateQueued, Admin: "alice", CreatedAt: created},
		{AddHostSession: "s2", Action: model.ActionDelete, RequestState: model.StateError, Message: "boom", CreatedAt: created},
	}

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printOutput(&out, outputJSON, reqs, nodeRequestRows(reqs)))

		assert.Contains(t, out.String(), `"add_host_session": "s1"`)
		assert.Contains(t, out.String(), `"state": "error"`)
	})

	t.Run("yaml", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printOutput(&out, outputYAML, reqs, nodeRequestRows(reqs)))

		assert.Contains(t, out.String(), "- action: ADD")
		assert.Contains(t, out.String(), "add_host_session: s2")
	})

	t.Run("table", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printOutput(&out, outputTable, reqs, nodeRequestRows(reqs)))

		for _, want := range []string{"SESSION", "RETRIES", "s1", "alice", "DELETE", "boom"} {
			assert.Contains(t, out.String(), want)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		err := printOutput(&bytes.Buffer{}, "xml", reqs, nodeRequestRows(reqs))
		assert.ErrorIs(t, err, ErrOutputFormat)
	})
}

func TestNodeRows(t *testing.T) {
	nodes := model.Nodes{
		{
			Name:            "compute-01",
			HardwareProfile: "compute",
			SoftwareProfile: "base",
			State:           model.NodeStateProvisioned,
			AddHostSession:  "s1",
			Nics:            []model.Nic{{MAC: "aa:bb:cc:dd:ee:ff", Boot: true}},
		},
		{Name: "compute-02", HardwareProfile: "compute", IsIdle: true},
	}

	headers, rows := nodeRows(nodes)()
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], len(headers))

	assert.Equal(t, []string{"compute-01", "compute", "base", string(model.NodeStateProvisioned), "false", "aa:bb:cc:dd:ee:ff", "s1"}, rows[0])
	assert.Equal(t, "true", rows[1][4])
	assert.Equal(t, "", rows[1][5])
}

func TestValidateOutputFormat(t *testing.T) {
	for _, format := range []string{"table", "json", "YAML"} {
		assert.NoError(t, validateOutputFormat(format), format)
	}

	assert.ErrorIs(t, validateOutputFormat("csv"), ErrOutputFormat)
}

func TestAddHostRequest(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		f := &addNodesFlags{
			hardwareProfile: "installer",
			softwareProfile: "base",
			hostname:        "node1.example",
			macAddr:         "AA:BB:CC:DD:EE:FF",
			tags:            map[string]string{"rack": "r1"},
		}

		req, err := f.addHostRequest()
		require.NoError(t, err)

		assert.Equal(t, "installer", req.HardwareProfile)
		assert.Equal(t, 1, req.NodeCount())
		require.Len(t, req.NodeDetails, 1)
		assert.Equal(t, "node1.example", req.NodeDetails[0].Name)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", req.NodeDetails[0].Nics[0].MAC)
		assert.Equal(t, map[string]string{"rack": "r1"}, req.Tags)
	})

	t.Run("input file with overrides", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "request.yaml")
		require.NoError(t, os.WriteFile(file, []byte(`
hardwareProfile: compute
count: 2
tags:
  team: infra
`), 0o600))

		f := &addNodesFlags{inputFile: file, softwareProfile: "locked", tags: map[string]string{"rack": "r2"}}

		req, err := f.addHostRequest()
		require.NoError(t, err)

		assert.Equal(t, "compute", req.HardwareProfile)
		assert.Equal(t, "locked", req.SoftwareProfile)
		assert.Equal(t, 2, req.Count)
		assert.Equal(t, map[string]string{"team": "infra", "rack": "r2"}, req.Tags)
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := (&addNodesFlags{hardwareProfile: "compute"}).addHostRequest()
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	})

	t.Run("bad input file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "request.yaml")
		require.NoError(t, os.WriteFile(file, []byte("count: [1"), 0o600))

		_, err := (&addNodesFlags{inputFile: file}).addHostRequest()
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	})
}

func TestNodeStatus(t *testing.T) {
	status, err := (&nodeStatusFlags{state: "Installed", bootFrom: "Disk"}).nodeStatus()
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateInstalled, status.State)
	require.NotNil(t, status.BootFrom)
	assert.Equal(t, model.BootFromDisk, *status.BootFrom)

	status, err = (&nodeStatusFlags{bootFrom: "network"}).nodeStatus()
	require.NoError(t, err)
	assert.Empty(t, status.State)
	assert.Equal(t, model.BootFromNetwork, *status.BootFrom)

	_, err = (&nodeStatusFlags{}).nodeStatus()
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = (&nodeStatusFlags{bootFrom: "usb"}).nodeStatus()
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
