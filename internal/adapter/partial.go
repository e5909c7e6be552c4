package adapter

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

// PartialError is returned by Start when only some of the requested nodes were created.
type PartialError struct {
	Created model.Nodes
	Failed  *multierror.Error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf(
		"%d node(s) created, %d failed: %s",
		len(e.Created),
		e.Failed.Len(),
		e.Failed.Error(),
	)
}

func (e *PartialError) Unwrap() error {
	return e.Failed
}

// NodeError records the failure to create or remove the named node.
func NodeError(merr *multierror.Error, name string, err error) *multierror.Error {
	return multierror.Append(merr, errors.Wrap(err, name))
}

// Partial returns a *PartialError when failed holds errors, nil otherwise.
func Partial(created model.Nodes, failed *multierror.Error) error {
	if failed.ErrorOrNil() == nil {
		return nil
	}

	return &PartialError{Created: created, Failed: failed}
}

// AsPartial returns the *PartialError in the error chain.
func AsPartial(err error) (*PartialError, bool) {
	var perr *PartialError
	if errors.As(err, &perr) {
		return perr, true
	}

	return nil, false
}
