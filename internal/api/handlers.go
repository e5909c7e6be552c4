package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

// SessionResponse is returned for accepted node requests.
type SessionResponse struct {
	Session string `json:"session"`
}

func admin(c *gin.Context) string {
	if name := c.GetHeader(AdminHeader); name != "" {
		return name
	}

	return defaultAdmin
}

func (s *Server) addNodes(c *gin.Context) {
	req := &model.AddHostRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		s.abort(c, errors.Wrap(model.ErrInvalidArgument, err.Error()))
		return
	}

	id, err := s.service.SubmitAddHosts(c.Request.Context(), admin(c), req)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SessionResponse{Session: id})
}

func (s *Server) deleteNodes(c *gin.Context) {
	force, err := boolQuery(c, "force")
	if err != nil {
		s.abort(c, err)
		return
	}

	id, err := s.service.SubmitDeleteHosts(c.Request.Context(), admin(c), c.Param("nodespec"), force)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SessionResponse{Session: id})
}

// NodeStatusResponse is returned for node status reports.
type NodeStatusResponse struct {
	Changed bool `json:"changed"`
}

func (s *Server) updateNodeStatus(c *gin.Context) {
	status := &model.NodeStatus{}
	if err := c.ShouldBindJSON(status); err != nil {
		s.abort(c, errors.Wrap(model.ErrInvalidArgument, err.Error()))
		return
	}

	changed, err := s.service.UpdateNodeStatus(c.Request.Context(), c.Param("nodespec"), status)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, NodeStatusResponse{Changed: changed})
}

func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.service.Nodes(c.Request.Context(), c.Query("nodespec"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, nodes)
}

func (s *Server) listNodeRequests(c *gin.Context) {
	reqs, err := s.service.NodeRequests(c.Request.Context(), c.Query("state"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, reqs)
}

func (s *Server) getNodeRequest(c *gin.Context) {
	req, err := s.service.NodeRequest(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func (s *Server) cancelNodeRequest(c *gin.Context) {
	id := c.Param("session")

	if err := s.service.CancelNodeRequest(c.Request.Context(), id); err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{Session: id})
}

func (s *Server) retryNodeRequest(c *gin.Context) {
	id := c.Param("session")

	if err := s.service.RetryNodeRequest(c.Request.Context(), id); err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SessionResponse{Session: id})
}

func (s *Server) sessionStatus(c *gin.Context) {
	start, err := intQuery(c, "start")
	if err != nil {
		s.abort(c, err)
		return
	}

	status, err := s.service.SessionStatus(c.Request.Context(), c.Param("session"), start)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrap(model.ErrInvalidArgument, "invalid "+key+" parameter: "+v)
	}

	return b, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0, errors.Wrap(model.ErrInvalidArgument, "invalid "+key+" parameter: "+v)
	}

	return i, nil
}
