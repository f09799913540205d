package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/domain"
)

func badBody(err error) error {
	return &domain.ValidationError{Fields: map[string]string{"body": err.Error()}}
}

// writeError maps domain errors onto status codes. Validation errors carry
// their field messages.
func writeError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": ve.Fields})
		return
	case errors.Is(err, domain.ErrAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnknownRoom), errors.Is(err, domain.ErrUnknownMessage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBackpressure):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrTransport):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
	}
}
