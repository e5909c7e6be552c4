package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// add-nodes command flags
type addNodesFlags struct {
	hardwareProfile string
	softwareProfile string
	count           int
	hostname        string
	macAddr         string
	ipAddr          string
	inputFile       string
	tags            map[string]string
	idle            bool
}

// update-node-status command flags
type nodeStatusFlags struct {
	state    string
	bootFrom string
}

var (
	addNodesFlagSet   = &addNodesFlags{}
	nodeStatusFlagSet = &nodeStatusFlags{}
	deleteForce       bool
)

var cmdAddNodes = &cobra.Command{
	Use:   "add-nodes",
	Short: "Queue a request to add nodes to a hardware profile",
	Run: func(cmd *cobra.Command, _ []string) {
		addNodes(cmd.Context())
	},
}

var cmdDeleteNodes = &cobra.Command{
	Use:   "delete-nodes NODESPEC",
	Short: "Queue a request to delete the nodes matching the nodespec",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		deleteNodes(cmd.Context(), args[0])
	},
}

var cmdGetNodes = &cobra.Command{
	Use:   "get-nodes [NODESPEC]",
	Short: "List the nodes, optionally those matching the nodespec",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var nodespec string
		if len(args) > 0 {
			nodespec = args[0]
		}

		getNodes(cmd.Context(), nodespec)
	},
}

var cmdUpdateNodeStatus = &cobra.Command{
	Use:   "update-node-status NAME",
	Short: "Report the state or boot device of a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		updateNodeStatus(cmd.Context(), args[0])
	},
}

// nodeStatus returns the status report built from the flags.
func (f *nodeStatusFlags) nodeStatus() (*model.NodeStatus, error) {
	status := &model.NodeStatus{State: model.NodeState(f.state)}

	if f.bootFrom != "" {
		bootFrom, err := model.ParseBootFrom(f.bootFrom)
		if err != nil {
			return nil, err
		}

		status.BootFrom = &bootFrom
	}

	if status.State == "" && status.BootFrom == nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, "--state or --boot-from is required")
	}

	return status, nil
}

// addHostRequest returns the request read from the input file or built from the flags.
func (f *addNodesFlags) addHostRequest() (*model.AddHostRequest, error) {
	req := &model.AddHostRequest{}

	if f.inputFile != "" {
		b, err := os.ReadFile(f.inputFile)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(b, req); err != nil {
			return nil, errors.Wrap(model.ErrInvalidArgument, f.inputFile+": "+err.Error())
		}
	}

	if f.hardwareProfile != "" {
		req.HardwareProfile = f.hardwareProfile
	}

	if f.softwareProfile != "" {
		req.SoftwareProfile = f.softwareProfile
	}

	if f.count > 0 {
		req.Count = f.count
	}

	if f.idle {
		req.IsIdle = true
	}

	if len(f.tags) > 0 {
		if req.Tags == nil {
			req.Tags = map[string]string{}
		}

		for k, v := range f.tags {
			req.Tags[k] = v
		}
	}

	if f.hostname != "" || f.macAddr != "" || f.ipAddr != "" {
		detail := model.NodeDetail{Name: f.hostname}
		if f.macAddr != "" || f.ipAddr != "" {
			detail.Nics = []model.NicDetail{{MAC: f.macAddr, IP: f.ipAddr}}
		}

		req.NodeDetails = append(req.NodeDetails, detail)
	}

	if req.NodeCount() == 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "--count, node details or an --input-file with nodeDetails is required")
	}

	return req, nil
}

func addNodes(ctx context.Context) {
	c, logger := newClient()

	req, err := addNodesFlagSet.addHostRequest()
	if err != nil {
		logger.Fatal(err)
	}

	id, err := c.AddNodes(ctx, req)
	if err != nil {
		logger.Fatal(err)
	}

	fmt.Println(id)

	if !wait {
		return
	}

	if err := waitNodeRequest(ctx, c, id, os.Stderr, waitTimeout); err != nil {
		logger.Fatal(err)
	}

	nodes, err := c.Nodes(ctx, "")
	if err != nil {
		logger.Fatal(err)
	}

	added := model.Nodes{}

	for _, node := range nodes {
		if node.AddHostSession == id {
			added = append(added, node)
		}
	}

	if err := printOutput(os.Stdout, outputTable, added, nodeRows(added)); err != nil {
		logger.Fatal(err)
	}
}

func deleteNodes(ctx context.Context, nodespec string) {
	c, logger := newClient()

	id, err := c.DeleteNodes(ctx, nodespec, deleteForce)
	if err != nil {
		logger.Fatal(err)
	}

	fmt.Println(id)

	if !wait {
		return
	}

	if err := waitNodeRequest(ctx, c, id, os.Stderr, waitTimeout); err != nil {
		logger.Fatal(err)
	}
}

func updateNodeStatus(ctx context.Context, name string) {
	c, logger := newClient()

	status, err := nodeStatusFlagSet.nodeStatus()
	if err != nil {
		logger.Fatal(err)
	}

	changed, err := c.UpdateNodeStatus(ctx, name, status)
	if err != nil {
		logger.Fatal(err)
	}

	if !changed {
		fmt.Println("unchanged")
		return
	}

	fmt.Println("updated")
}

func getNodes(ctx context.Context, nodespec string) {
	if err := validateOutputFormat(outputFormat); err != nil {
		log.Fatal(err)
	}

	c, logger := newClient()

	nodes, err := c.Nodes(ctx, nodespec)
	if err != nil {
		logger.Fatal(err)
	}

	if err := printOutput(os.Stdout, outputFormat, nodes, nodeRows(nodes)); err != nil {
		logger.Fatal(err)
	}
}

func init() {
	flags := cmdAddNodes.PersistentFlags()
	flags.StringVar(&addNodesFlagSet.hardwareProfile, "hardware-profile", "", "hardware profile of the nodes")
	flags.StringVar(&addNodesFlagSet.softwareProfile, "software-profile", "", "software profile of the nodes")
	flags.IntVar(&addNodesFlagSet.count, "count", 0, "number of nodes to add")
	flags.StringVar(&addNodesFlagSet.hostname, "hostname", "", "name of the node to add")
	flags.StringVar(&addNodesFlagSet.macAddr, "mac-addr", "", "boot interface MAC address of the node to add")
	flags.StringVar(&addNodesFlagSet.ipAddr, "ip-address", "", "boot interface IP address of the node to add")
	flags.StringVar(&addNodesFlagSet.inputFile, "input-file", "", "YAML file with the add host request")
	flags.StringToStringVar(&addNodesFlagSet.tags, "tag", nil, "node tag as key=value, may be repeated")
	flags.BoolVarP(&addNodesFlagSet.idle, "idle", "", false, "add the nodes as idle nodes")
	addClientFlags(cmdAddNodes, true)

	cmdDeleteNodes.PersistentFlags().BoolVarP(&deleteForce, "force", "", false, "delete nodes of locked software profiles and below the profile minimum")
	addClientFlags(cmdDeleteNodes, true)

	cmdGetNodes.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format - table, json or yaml")
	addClientFlags(cmdGetNodes, false)

	cmdUpdateNodeStatus.PersistentFlags().StringVar(&nodeStatusFlagSet.state, "state", "", "node state, e.g. Installed")
	cmdUpdateNodeStatus.PersistentFlags().StringVar(&nodeStatusFlagSet.bootFrom, "boot-from", "", "boot device - disk or network")
	addClientFlags(cmdUpdateNodeStatus, false)

	rootCmd.AddCommand(cmdAddNodes, cmdDeleteNodes, cmdGetNodes, cmdUpdateNodeStatus)
}
