package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/freight/pkg/auth"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// authMiddleware requires a valid HS256 bearer token. An empty secret
// disables the check.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "Missing authorization header",
			})
			return
		}

		subject, err := auth.ValidateToken(token, secret)
		if err != nil {
			log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "Invalid credentials",
			})
			return
		}

		c.Set("subject", subject)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Info()
		}

		if id := c.Param("id"); id != "" {
			event = event.Str("upload_id", id)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+checksumHeader)
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
