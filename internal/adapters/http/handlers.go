package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dkeye/callconsole/internal/app/orch"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const lastNumberKey = "last_number"

type handlers struct {
	console Console
	format  orch.Formatter
}

type placeCallRequest struct {
	Number string `json:"number"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type errorBody struct {
	Error   string           `json:"error"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	Message string           `json:"message,omitempty"`
}

func failure(c *gin.Context, status int, err error) {
	f := domain.FailureOf(err)
	c.JSON(status, errorBody{Error: err.Error(), Kind: f.Kind, Message: f.Message})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) placeCall(c *gin.Context) {
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "missing or invalid body"})
		return
	}

	view, err := h.console.PlaceCall(req.Number, h.format)
	switch {
	case errors.Is(err, domain.ErrInvalidNumber):
		failure(c, http.StatusUnprocessableEntity, err)
		return
	case errors.Is(err, domain.ErrCallInProgress):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Kind: "call_in_progress"})
		return
	case err != nil:
		failure(c, http.StatusInternalServerError, err)
		return
	}

	session := sessions.Default(c)
	session.Set(lastNumberKey, view.Number.String())
	if err := session.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Str("call_id", string(view.ID)).Msg("call requested")
	c.JSON(http.StatusAccepted, gin.H{"id": view.ID, "number": view.Number, "display": view.Display, "state": view.State})
}

func (h *handlers) activeCall(c *gin.Context) {
	view, ok := h.console.ActiveCall(h.format, true)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: domain.ErrNoActiveCall.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) lastCall(c *gin.Context) {
	body := gin.H{}
	if n, ok := sessions.Default(c).Get(lastNumberKey).(string); ok {
		body["number"] = n
	}
	if view, ok := h.console.ActiveCall(h.format, false); ok {
		body["call"] = view
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) hangup(c *gin.Context) {
	if err := h.console.Hangup(); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
}

func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "missing or invalid muted"})
		return
	}
	if err := h.console.SetMuted(*req.Muted); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": *req.Muted})
}

func (h *handlers) history(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	records, stats := h.console.CallHistory(limit)
	c.JSON(http.StatusOK, gin.H{"records": records, "stats": stats})
}

func (h *handlers) softphone(c *gin.Context) {
	c.JSON(http.StatusOK, h.console.SoftphoneStatus())
}

func (h *handlers) resetSoftphone(c *gin.Context) {
	if err := h.console.ResetSoftphone(c.Request.Context()); err != nil {
		failure(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, h.console.SoftphoneStatus())
}

func (h *handlers) service(c *gin.Context) {
	st := h.console.ServiceStatus(c.Request.Context())
	code := http.StatusOK
	if !st.Available {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (h *handlers) agent(c *gin.Context) {
	a, err := h.console.Agent(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// events streams every domain event as server-sent events until the client leaves.
func (h *handlers) events(c *gin.Context) {
	ch := make(chan domain.Event, 64)
	unsubscribe := h.console.Subscribe(func(e domain.Event) {
		select {
		case ch <- e:
		default:
			// slow client
		}
	})
	defer unsubscribe()

	sid := c.GetString(clientTokenKey)
	log.Info().Str("module", "adapters.http").Str("sid", sid).Msg("event stream opened")
	defer log.Info().Str("module", "adapters.http").Str("sid", sid).Msg("event stream closed")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e := <-ch:
			c.SSEvent(string(e.Kind), e)
			return true
		}
	})
}
