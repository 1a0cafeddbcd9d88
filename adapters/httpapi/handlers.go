package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pborman/uuid"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const maxBody = 1 << 20

type handlers struct {
	bus    cbus.Bus
	codec  *codec.Registry
	logger *zap.Logger
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) listRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": h.codec.Names()})
}

// execute handles POST /v1/requests/:type. The body is the JSON payload of the
// request; the response body is a codec.Reply.
func (h *handlers) execute(c *gin.Context) {
	id := c.GetHeader(codec.HeaderRequestID)
	if id == "" {
		id = uuid.New()
	}

	c.Header(codec.HeaderRequestID, id)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		h.reply(c, id, nil, errors.Join(berr.ErrSerializationFailed, err))
		return
	}

	req, err := h.codec.Decode(c.Param("type"), payload)
	if err != nil {
		h.reply(c, id, nil, err)
		return
	}

	ctx := c.Request.Context()
	if t, ok := req.(cbus.Timeoutable); ok && t.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout())
		defer cancel()
	}

	res, err := h.bus.Execute(ctx, req)
	h.reply(c, id, res, err)
}

func (h *handlers) reply(c *gin.Context, id string, result any, err error) {
	r := codec.NewReply(id, result, err)

	status := http.StatusOK
	if r.Error != nil {
		status = http.StatusInternalServerError
		if err != nil {
			status = StatusOf(err)
		}

		h.logger.Debug("request failed",
			zap.String("request_id", id),
			zap.String("request_type", c.Param("type")),
			zap.String("code", r.Error.Code),
			zap.Int("status", status))
	}

	c.JSON(status, r)
}

// StatusOf maps an execution error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}

	switch berr.CodeOf(err) {
	case berr.ErrCodeUnknownRequest, berr.ErrCodeSerializationFailed, berr.ErrCodeNilRequest:
		return http.StatusBadRequest
	case berr.ErrCodeHandlerMissing:
		return http.StatusNotFound
	case berr.ErrCodeHandlerAmbiguous:
		return http.StatusConflict
	case berr.ErrCodeBusClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
