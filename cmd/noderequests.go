package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/spf13/cobra"
)

var (
	requestState string
	startMessage int
)

var cmdGetNodeRequests = &cobra.Command{
	Use:   "get-node-requests [SESSION]",
	Short: "List the node requests, or the node request of the session",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var id string
		if len(args) > 0 {
			id = args[0]
		}

		getNodeRequests(cmd.Context(), id)
	},
}

var cmdCancelNodeRequest = &cobra.Command{
	Use:   "cancel-node-request SESSION",
	Short: "Cancel a queued or failed node request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, logger := newClient()

		if err := c.CancelNodeRequest(cmd.Context(), args[0]); err != nil {
			logger.Fatal(err)
		}
	},
}

var cmdRetryNodeRequest = &cobra.Command{
	Use:   "retry-node-request SESSION",
	Short: "Queue a failed node request again",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		retryNodeRequest(cmd.Context(), args[0])
	},
}

var cmdSessionStatus = &cobra.Command{
	Use:   "get-session-status SESSION",
	Short: "Print the progress messages of a session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionStatus(cmd.Context(), args[0])
	},
}

func getNodeRequests(ctx context.Context, id string) {
	if err := validateOutputFormat(outputFormat); err != nil {
		log.Fatal(err)
	}

	c, logger := newClient()

	if id != "" {
		nr, err := c.NodeRequest(ctx, id)
		if err != nil {
			logger.Fatal(err)
		}

		if err := printOutput(os.Stdout, outputFormat, nr, nodeRequestRows([]*model.NodeRequest{nr})); err != nil {
			logger.Fatal(err)
		}

		return
	}

	reqs, err := c.NodeRequests(ctx, requestState)
	if err != nil {
		logger.Fatal(err)
	}

	if err := printOutput(os.Stdout, outputFormat, reqs, nodeRequestRows(reqs)); err != nil {
		logger.Fatal(err)
	}
}

func retryNodeRequest(ctx context.Context, id string) {
	c, logger := newClient()

	if err := c.RetryNodeRequest(ctx, id); err != nil {
		logger.Fatal(err)
	}

	if !wait {
		return
	}

	if err := waitNodeRequest(ctx, c, id, os.Stderr, waitTimeout); err != nil {
		logger.Fatal(err)
	}
}

func sessionStatus(ctx context.Context, id string) {
	if err := validateOutputFormat(outputFormat); err != nil {
		log.Fatal(err)
	}

	c, logger := newClient()

	status, err := c.SessionStatus(ctx, id, startMessage)
	if err != nil {
		logger.Fatal(err)
	}

	if outputFormat != outputTable {
		if err := printOutput(os.Stdout, outputFormat, status, nil); err != nil {
			logger.Fatal(err)
		}

		return
	}

	state := "idle"
	if status.Running {
		state = "running on " + status.WorkerID
	}

	fmt.Printf("session %s %s\n", status.Session, state)

	for _, msg := range status.Messages {
		fmt.Println(msg)
	}
}

func init() {
	cmdGetNodeRequests.PersistentFlags().StringVar(&requestState, "state", "", "list requests in the state - queued, running or error")
	cmdGetNodeRequests.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format - table, json or yaml")
	addClientFlags(cmdGetNodeRequests, false)

	addClientFlags(cmdCancelNodeRequest, false)
	addClientFlags(cmdRetryNodeRequest, true)

	cmdSessionStatus.PersistentFlags().IntVar(&startMessage, "start", 0, "index of the first message to print")
	cmdSessionStatus.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format - table, json or yaml")
	addClientFlags(cmdSessionStatus, false)

	rootCmd.AddCommand(cmdGetNodeRequests, cmdCancelNodeRequest, cmdRetryNodeRequest, cmdSessionStatus)
}
