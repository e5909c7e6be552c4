// Package client is the provisioner API client used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/provisioner/internal/api"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultRetryMax = 3
	apiPrefix       = "/api/v1"
)

var (
	ErrRequest  = errors.New("api request error")
	ErrEndpoint = errors.New("invalid api endpoint")
)

// APIError is returned for API responses with an error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrRequest
}

// Client calls the provisioner API.
type Client struct {
	endpoint *url.URL
	admin    string
	client   *retryablehttp.Client
}

// Option sets optional Client parameters.
type Option func(*Client)

// WithAdmin sets the submitter name recorded on node requests.
func WithAdmin(name string) Option {
	return func(c *Client) {
		c.admin = name
	}
}

// WithRetryMax sets the number of retries for failed requests.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.client.RetryMax = n
	}
}

// WithRetryWait sets the bounds of the wait between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.client.RetryWaitMin = minWait
		c.client.RetryWaitMax = maxWait
	}
}

func New(endpoint string, logger *logrus.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, errors.Wrap(ErrEndpoint, err.Error())
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrap(ErrEndpoint, endpoint)
	}

	retryableClient := retryablehttp.NewClient()
	retryableClient.RetryMax = defaultRetryMax

	// set retryable HTTP client to be the otel http client to collect telemetry
	retryableClient.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   defaultTimeout,
	}

	// disable default debug logging on the retryable client
	if logger == nil || logger.Level < logrus.DebugLevel {
		retryableClient.Logger = nil
	} else {
		retryableClient.Logger = logger
	}

	c := &Client{endpoint: u, client: retryableClient}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// AddNodes submits an add host request and returns its session.
func (c *Client) AddNodes(ctx context.Context, req *model.AddHostRequest) (string, error) {
	resp := api.SessionResponse{}
	if err := c.do(ctx, http.MethodPost, "/nodes", nil, req, &resp); err != nil {
		return "", err
	}

	return resp.Session, nil
}

// DeleteNodes submits a delete host request for the nodespec and returns its session.
func (c *Client) DeleteNodes(ctx context.Context, nodespec string, force bool) (string, error) {
	query := url.Values{}
	if force {
		query.Set("force", "true")
	}

	resp := api.SessionResponse{}
	if err := c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(nodespec), query, nil, &resp); err != nil {
		return "", err
	}

	return resp.Session, nil
}

// UpdateNodeStatus reports the node status, it returns true when the node state or boot device changed.
func (c *Client) UpdateNodeStatus(ctx context.Context, name string, status *model.NodeStatus) (bool, error) {
	resp := api.NodeStatusResponse{}
	if err := c.do(ctx, http.MethodPut, "/nodes/"+url.PathEscape(name)+"/status", nil, status, &resp); err != nil {
		return false, err
	}

	return resp.Changed, nil
}

func (c *Client) Nodes(ctx context.Context, nodespec string) (model.Nodes, error) {
	query := url.Values{}
	if nodespec != "" {
		query.Set("nodespec", nodespec)
	}

	nodes := model.Nodes{}
	if err := c.do(ctx, http.MethodGet, "/nodes", query, nil, &nodes); err != nil {
		return nil, err
	}

	return nodes, nil
}

// NodeRequests returns the node requests in the state, all requests when state is empty.
func (c *Client) NodeRequests(ctx context.Context, state string) ([]*model.NodeRequest, error) {
	query := url.Values{}
	if state != "" {
		query.Set("state", state)
	}

	reqs := []*model.NodeRequest{}
	if err := c.do(ctx, http.MethodGet, "/noderequests", query, nil, &reqs); err != nil {
		return nil, err
	}

	return reqs, nil
}

func (c *Client) NodeRequest(ctx context.Context, id string) (*model.NodeRequest, error) {
	req := &model.NodeRequest{}
	if err := c.do(ctx, http.MethodGet, "/noderequests/"+url.PathEscape(id), nil, nil, req); err != nil {
		return nil, err
	}

	return req, nil
}

func (c *Client) CancelNodeRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/noderequests/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) RetryNodeRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/noderequests/"+url.PathEscape(id)+"/retry", nil, nil, nil)
}

// SessionStatus returns the session status with the messages starting at startMessage.
func (c *Client) SessionStatus(ctx context.Context, id string, startMessage int) (*session.Status, error) {
	query := url.Values{}
	if startMessage > 0 {
		query.Set("start", strconv.Itoa(startMessage))
	}

	status := &session.Status{}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/status", query, nil, status); err != nil {
		return nil, err
	}

	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := *c.endpoint
	u.Path += apiPrefix + path
	u.RawQuery = query.Encode()

	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(ErrRequest, err.Error())
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(ErrRequest, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	if c.admin != "" {
		req.Header.Set(api.AdminHeader, c.admin)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrRequest, err.Error())
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(ErrRequest, err.Error())
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

		errResp := api.ErrorResponse{}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}

		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(ErrRequest, "decode response: "+err.Error())
	}

	return nil
}
