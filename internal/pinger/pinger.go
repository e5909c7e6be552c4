// Package pinger periodically pings the provisioned nodes and records the
// time of the last reply on the nodes that answered.
package pinger

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 5 * time.Minute
)

var (
	ErrPing    = errors.New("node ping failed")
	ErrCommand = errors.New("invalid node ping command")
)

// Reply is a node that answered a ping.
type Reply struct {
	Name         string
	ResponseTime time.Duration
}

// Pinger pings all nodes reachable to it.
type Pinger interface {
	PingAll(ctx context.Context) ([]Reply, error)
}

// Toucher records the last update time of the named nodes.
type Toucher interface {
	TouchNodes(ctx context.Context, names []string) (int, error)
}

// CommandPinger runs an external command and reads the replies from its output,
// one reply per line in the form
//
//	compute-01    time=52.88 ms
type CommandPinger struct {
	args []string
}

// NewCommandPinger returns a pinger running the given command line.
func NewCommandPinger(command string) (*CommandPinger, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.Wrap(ErrCommand, "empty command")
	}

	return &CommandPinger{args: args}, nil
}

func (p *CommandPinger) PingAll(ctx context.Context) ([]Reply, error) {
	// nolint:gosec // the command is operator configuration
	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(ErrPing, strings.TrimSpace(err.Error()+" "+stderr.String()))
	}

	return ParseReplies(bytes.NewReader(out)), nil
}

// ParseReplies returns the replies in the ping command output, lines that
// are not replies are skipped.
func ParseReplies(r io.Reader) []Reply {
	replies := []Reply{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || !strings.HasPrefix(fields[1], "time=") {
			continue
		}

		ms, err := strconv.ParseFloat(strings.TrimPrefix(fields[1], "time="), 64)
		if err != nil {
			continue
		}

		replies = append(replies, Reply{
			Name:         fields[0],
			ResponseTime: time.Duration(math.Round(ms*1000)) * time.Microsecond,
		})
	}

	return replies
}

// Runner pings the nodes on an interval and touches those that replied.
type Runner struct {
	pinger   Pinger
	toucher  Toucher
	interval time.Duration
	logger   *logrus.Logger
}

// Option sets optional Runner parameters.
type Option func(*Runner)

// WithInterval sets the time between node pings.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

func New(p Pinger, t Toucher, logger *logrus.Logger, opts ...Option) *Runner {
	r := &Runner{
		pinger:   p,
		toucher:  t,
		interval: DefaultInterval,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run pings the nodes until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.WithField("interval", r.interval).Info("node pinger running")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Ping(ctx); err != nil {
				r.logger.WithError(err).Warn("node ping failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Ping pings the nodes once and returns the number of nodes touched.
func (r *Runner) Ping(ctx context.Context) (int, error) {
	pingCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	replies, err := r.pinger.PingAll(pingCtx)
	if err != nil {
		return 0, err
	}

	metrics.NodePingReplies.Set(float64(len(replies)))

	if len(replies) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(replies))
	for _, reply := range replies {
		names = append(names, reply.Name)
	}

	touched, err := r.toucher.TouchNodes(ctx, names)
	if err != nil {
		return touched, err
	}

	r.logger.WithFields(logrus.Fields{
		"replies": len(replies),
		"touched": touched,
	}).Debug("nodes pinged")

	return touched, nil
}
