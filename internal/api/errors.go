package api

import (
	"errors"
	"net/http"

	"affiliate-ledger/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor сопоставляет категорию ошибки с HTTP статусом
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindAuthorization:
		if errors.Is(err, models.ErrUnauthenticated) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case models.KindPrecondition:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает клиенту кодом доменной ошибки. Текст внутренних ошибок не раскрывается.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)

	var domainErr *models.Error
	if status == http.StatusInternalServerError || !errors.As(err, &domainErr) {
		logger.Error("ошибка обработки запроса",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestID(c)),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "внутренняя ошибка сервера",
		})
		return
	}

	if status == http.StatusBadGateway {
		logger.Warn("ошибка внешнего провайдера",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   domainErr.Code,
		"message": domainErr.Message,
	})
}
