package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// respondError writes the error envelope {"error": {code, message,
// detail?}} with the status the error maps to. Errors that are not
// AppErrors become opaque 500s so internals never leak to clients.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := errors.GetHTTPStatus(err)

	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("request failed", err)
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	c.JSON(status, gin.H{"error": appErr})
}

// bindJSON decodes the request body into dst, converting decode
// failures into a 400 with the standard envelope.
func bindJSON(c *gin.Context, log *logger.Logger, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, log, errors.BadRequest("invalid JSON body").WithDetail(err.Error()))
		return false
	}
	return true
}
