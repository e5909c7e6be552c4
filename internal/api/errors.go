package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/requests"
	"github.com/pkg/errors"
)

// ErrorResponse is the body of a failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{model.ErrInvalidArgument, http.StatusBadRequest},
	{model.ErrProfileMappingNotAllowed, http.StatusBadRequest},
	{model.ErrNodeNotFound, http.StatusNotFound},
	{model.ErrNodeRequestNotFound, http.StatusNotFound},
	{model.ErrHardwareProfileNotFound, http.StatusNotFound},
	{model.ErrSoftwareProfileNotFound, http.StatusNotFound},
	{model.ErrSessionNotFound, http.StatusNotFound},
	{events.ErrEventNotInLog, http.StatusNotFound},
	{model.ErrNodeAlreadyExists, http.StatusConflict},
	{model.ErrNodeRequestExists, http.StatusConflict},
	{model.ErrSessionRunning, http.StatusConflict},
	{requests.ErrNodeRequestRunning, http.StatusConflict},
	{requests.ErrNodeRequestNotRetry, http.StatusConflict},
	{model.ErrResourceAdapterNotFound, http.StatusUnprocessableEntity},
	{model.ErrResourceNotFound, http.StatusUnprocessableEntity},
	{model.ErrOperationFailed, http.StatusUnprocessableEntity},
	{requests.ErrEnqueue, http.StatusServiceUnavailable},
}

// StatusCode returns the HTTP status for an error returned by the requests service.
func StatusCode(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}

	return http.StatusInternalServerError
}

func (s *Server) abort(c *gin.Context, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("api request failed")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}
