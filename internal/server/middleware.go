package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/logging/audit"
)

// Context keys
const (
	subjectKey   = "castella.subject"
	requestIDKey = "castella.request_id"
)

const anonymous = "anonymous"

// recovery turns panics into a 500. http.ErrAbortHandler is re-raised so
// net/http drops the connection, which is how a response that already
// started streaming is failed.
func (s *Server) recovery(c *gin.Context) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(rec)
		}
		s.log.Error().
			Interface("panic", rec).
			Str("request_id", c.GetString(requestIDKey)).
			Bytes("stack", debug.Stack()).
			Msg("handler panicked")
		if !c.Writer.Written() {
			s.jsonError(c, http.StatusInternalServerError, "internal error")
		}
		c.Abort()
	}()
	c.Next()
}

// observe assigns a request id, then logs and measures the request.
func (s *Server) observe(c *gin.Context) {
	id := c.GetHeader("X-Request-Id")
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header("X-Request-Id", id)
	c.Header("Server", "castella")

	start := time.Now()
	c.Next()
	elapsed := time.Since(start)

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
	s.metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

	event := s.log.Debug()
	if status >= http.StatusInternalServerError {
		event = s.log.Warn()
	}
	event.
		Str("request_id", id).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Int("bytes", c.Writer.Size()).
		Dur("elapsed", elapsed).
		Str("subject", c.GetString(subjectKey)).
		Msg("request")
}

// require authenticates the bearer token and checks that it grants scope.
func (s *Server) require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthDisabled {
			c.Set(subjectKey, anonymous)
			c.Next()
			return
		}

		claims, reason := s.authenticate(c)
		if claims == nil {
			s.audit.LogAuth("", "bearer", audit.ResultDenied, reason, c.ClientIP())
			c.Header("WWW-Authenticate", `Bearer realm="castella"`)
			s.jsonError(c, http.StatusUnauthorized, reason)
			c.Abort()
			return
		}
		c.Set(subjectKey, claims.Subject)

		if !claims.Allows(scope) {
			s.audit.LogAuthz(claims.Subject, scope, c.FullPath(), audit.ResultDenied)
			s.jsonError(c, http.StatusForbidden, "token lacks scope "+scope)
			c.Abort()
			return
		}
		s.audit.LogAuthz(claims.Subject, scope, c.FullPath(), audit.ResultAllowed)
		c.Next()
	}
}

// authenticate returns the token claims, or nil and the reason for refusal.
func (s *Server) authenticate(c *gin.Context) (*auth.Claims, string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, "missing authorization header"
	}

	// Expect "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, "invalid authorization header"
	}

	claims, err := s.tokens.Validate(strings.TrimSpace(parts[1]))
	if err != nil {
		s.log.Debug().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("token rejected")
		return nil, "invalid token"
	}
	return claims, ""
}

func subject(c *gin.Context) string {
	if s := c.GetString(subjectKey); s != "" {
		return s
	}
	return anonymous
}
