package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
	"github.com/asakaida/banken/internal/services/enforcement"
)

// DataHandler exposes policy-enforced CRUD over HTTP. Every operation is
// a POST to /api/:type/:op with a JSON body carrying the filter,
// selection, includes and write payload; the caller's identity comes
// from the bearer token the auth middleware verified.
type DataHandler struct {
	engine *enforcement.Engine
	logger *zap.Logger
}

// NewDataHandler creates a new DataHandler.
func NewDataHandler(engine *enforcement.Engine, logger *zap.Logger) *DataHandler {
	return &DataHandler{engine: engine, logger: logger}
}

// Register mounts the data routes on a router group.
func (h *DataHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/:type/:op", h.handle)
}

func (h *DataHandler) handle(c *gin.Context) {
	typ := c.Param("type")
	op := c.Param("op")

	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	auth := authContext(c)

	switch op {
	case "findMany":
		h.findMany(c, typ, &body, auth)
	case "findFirst":
		h.findFirst(c, typ, &body, auth)
	case "create":
		h.create(c, typ, &body, auth)
	case "update":
		h.update(c, typ, &body, auth)
	case "delete":
		h.delete(c, typ, &body, auth)
	case "updateMany":
		h.updateMany(c, typ, &body, auth)
	case "deleteMany":
		h.deleteMany(c, typ, &body, auth)
	default:
		h.fail(c, http.StatusBadRequest, fmt.Errorf("unknown operation %q", op))
	}
}

func (h *DataHandler) findMany(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, include, ok := h.readParts(c, body)
	if !ok {
		return
	}
	rows, err := h.engine.Read(c.Request.Context(), &entities.ReadRequest{
		Type:    typ,
		Where:   where,
		Select:  body.Select,
		Include: include,
		Limit:   body.Limit,
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *DataHandler) findFirst(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, include, ok := h.readParts(c, body)
	if !ok {
		return
	}
	row, err := h.engine.First(c.Request.Context(), &entities.ReadRequest{
		Type:    typ,
		Where:   where,
		Select:  body.Select,
		Include: include,
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

func (h *DataHandler) create(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	nested, err := decodeNested(body.Nested)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	include, err := decodeIncludes(body.Include)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	row, err := h.engine.Create(c.Request.Context(), &entities.CreateRequest{
		Type:    typ,
		Data:    entities.Row(body.Data),
		Nested:  nested,
		Select:  body.Select,
		Include: include,
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": row})
}

func (h *DataHandler) update(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, err := decodeWhere(body.Where)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	nested, err := decodeNested(body.Nested)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	include, err := decodeIncludes(body.Include)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	row, err := h.engine.Update(c.Request.Context(), &entities.UpdateRequest{
		Type:    typ,
		Where:   where,
		Data:    entities.Row(body.Data),
		Nested:  nested,
		Select:  body.Select,
		Include: include,
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

func (h *DataHandler) delete(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, err := decodeWhere(body.Where)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.Delete(c.Request.Context(), &entities.DeleteRequest{
		Type:  typ,
		Where: where,
	}, auth); err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": nil})
}

func (h *DataHandler) updateMany(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, err := decodeWhere(body.Where)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	count, err := h.engine.UpdateMany(c.Request.Context(), &entities.UpdateManyRequest{
		Type:  typ,
		Where: where,
		Data:  entities.Row(body.Data),
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *DataHandler) deleteMany(c *gin.Context, typ string, body *requestBody, auth entities.AuthContext) {
	where, err := decodeWhere(body.Where)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	count, err := h.engine.DeleteMany(c.Request.Context(), &entities.DeleteManyRequest{
		Type:  typ,
		Where: where,
	}, auth)
	if err != nil {
		h.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *DataHandler) readParts(c *gin.Context, body *requestBody) (entities.Expression, []entities.Include, bool) {
	where, err := decodeWhere(body.Where)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return nil, nil, false
	}
	include, err := decodeIncludes(body.Include)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return nil, nil, false
	}
	return where, include, true
}

// error maps engine errors to HTTP statuses. Policy rejections are 403,
// missing or hidden rows are 404, malformed requests are 400, the rest
// is a 500 that gets logged.
func (h *DataHandler) error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, enforcement.ErrPolicyRejected), errors.Is(err, enforcement.ErrPostValidationFailed):
		h.fail(c, http.StatusForbidden, err)
	case errors.Is(err, repositories.ErrNotFound):
		h.fail(c, http.StatusNotFound, err)
	case errors.Is(err, repositories.ErrUnknownEntity):
		h.fail(c, http.StatusBadRequest, err)
	default:
		var jsonErr *json.SyntaxError
		if errors.As(err, &jsonErr) {
			h.fail(c, http.StatusBadRequest, err)
			return
		}
		// Integrity constraint violations (class 23) are the caller's fault.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
			h.fail(c, http.StatusBadRequest, fmt.Errorf("constraint violation: %s", pqErr.Constraint))
			return
		}
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		h.fail(c, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *DataHandler) fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
