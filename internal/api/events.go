package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

const (
	writeWait = 10 * time.Second
)

func eventName(c *gin.Context) (events.Name, error) {
	name := events.Name(c.Query("name"))
	if name == "" {
		return "", nil
	}

	if _, err := events.New(name); err != nil {
		return "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	return name, nil
}

// streamEvents upgrades the request to a websocket and writes the events
// published with the name given in the query, all events when none is given.
func (s *Server) streamEvents(c *gin.Context) {
	name, err := eventName(c)
	if err != nil {
		s.abort(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stop := context.AfterFunc(s.streamCtx, cancel)
	defer stop()

	// subscribed before the upgrade so no event fired after the handshake is missed
	ch, unsubscribe, err := s.pubsub.Subscribe(ctx, name)
	if err != nil {
		s.abort(c, err)
		return
	}

	defer unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	defer ws.Close()

	le := s.logger.WithField("event", name)
	le.Debug("websocket client subscribed")

	// client messages are discarded, a read error means the client went away
	go func() {
		defer cancel()

		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if s.streamCtx.Err() != nil {
				le.Debug("server shutting down, closing websocket")
				_ = ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait),
				)

				return
			}

			le.Debug("websocket client disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := ws.WriteJSON(e); err != nil {
				le.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) listEvents(c *gin.Context) {
	name, err := eventName(c)
	if err != nil {
		s.abort(c, err)
		return
	}

	limit, err := intQuery(c, "limit")
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, s.eventLog.List(name, limit))
}

func (s *Server) getEvent(c *gin.Context) {
	e, err := s.eventLog.Get(c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}
