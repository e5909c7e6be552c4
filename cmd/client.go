package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/metal-toolbox/provisioner/internal/app"
	"github.com/metal-toolbox/provisioner/internal/client"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	ErrNodeRequestFailed = errors.New("node request failed")
)

// client command flags
var (
	endpoint    string
	admin       string
	wait        bool
	waitTimeout time.Duration
)

func newClient() (*client.Client, *logrus.Logger) {
	provisioner, _, err := app.New(model.AppKindClient, cfgFile, logLevel())
	if err != nil {
		log.Fatal(err)
	}

	addr := endpoint
	if addr == "" {
		addr = provisioner.Config.Endpoint
	}

	name := admin
	if name == "" {
		name = os.Getenv("USER")
	}

	c, err := client.New(addr, provisioner.Logger, client.WithAdmin(name))
	if err != nil {
		provisioner.Logger.Fatal(err)
	}

	return c, provisioner.Logger
}

// nodeRequestClient is the part of the client waitNodeRequest polls.
type nodeRequestClient interface {
	NodeRequest(ctx context.Context, id string) (*model.NodeRequest, error)
	SessionStatus(ctx context.Context, id string, startMessage int) (*session.Status, error)
}

// waitNodeRequest polls the node request until it is removed on completion or fails,
// session progress messages are written to w as they are received.
func waitNodeRequest(ctx context.Context, c nodeRequestClient, id string, w io.Writer, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var start int

	for {
		if status, err := c.SessionStatus(ctx, id, start); err == nil {
			for _, msg := range status.Messages {
				fmt.Fprintln(w, msg)
			}

			start += len(status.Messages)
		}

		req, err := c.NodeRequest(ctx, id)
		if err != nil {
			apiErr := &client.APIError{}
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return nil
			}

			return err
		}

		if req.RequestState == model.StateError {
			return errors.Wrap(ErrNodeRequestFailed, req.Message)
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "node request "+id+" is "+string(req.RequestState))
		case <-time.After(b.Duration()):
		}
	}
}

func addClientFlags(cmd *cobra.Command, withWait bool) {
	cmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "provisioner API endpoint, overrides the endpoint configuration parameter")
	cmd.PersistentFlags().StringVar(&admin, "admin", "", "name recorded as the node request submitter (default is $USER)")

	if withWait {
		cmd.PersistentFlags().BoolVarP(&wait, "wait", "", false, "wait for the node request to complete")
		cmd.PersistentFlags().DurationVar(&waitTimeout, "wait-timeout", 3*time.Hour, "time to wait for the node request to complete")
	}
}
