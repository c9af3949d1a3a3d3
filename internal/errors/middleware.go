package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorHandler converts an AppError left on the Gin context into a JSON
// response with the matching status code.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()
		if appErr, ok := err.Err.(*AppError); ok {
			if appErr.StatusCode >= 500 {
				log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
			} else {
				log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
			}
			c.JSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		log.Error().Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   CodeInternalError,
			Message: "an unexpected error occurred",
			Code:    CodeInternalError,
		})
	}
}

// Recovery recovers from panics in HTTP handlers, converting them into an
// INTERNAL_ERROR response instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("recovered from panic in HTTP handler")
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   CodeInternalError,
					Message: "an unexpected error occurred",
					Code:    CodeInternalError,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError writes err (as an AppError if possible) to the response.
func HandleError(c *gin.Context, err error) {
	if appErr, ok := err.(*AppError); ok {
		c.Error(appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	internalErr := InternalWrap(err)
	c.Error(internalErr)
	c.JSON(internalErr.StatusCode, internalErr.ToResponse())
}

// AbortWithError aborts the request with the given AppError.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
