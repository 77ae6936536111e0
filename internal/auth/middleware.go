package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "auth.identity"

// identity is what the middleware leaves behind for downstream handlers.
type identity struct {
	subject string
	token   string
}

// tokenSource pulls a candidate credential out of a request.
type tokenSource func(c *gin.Context) string

// Middleware admits requests carrying a valid token and records who made
// them. Rejections answer 401 with the "unauthorized: ..." wording clients
// classify on.
func (s *Service) Middleware() gin.HandlerFunc {
	sources := []tokenSource{s.fromHeader, s.fromCookie}
	return func(c *gin.Context) {
		var token string
		for _, src := range sources {
			if token = src(c); token != "" {
				break
			}
		}
		subject, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			rejectRequest(c, err)
			return
		}
		c.Set(identityKey, identity{subject: subject, token: token})
		c.Next()
	}
}

func rejectRequest(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTokenRequired), errors.Is(err, ErrTokenExpired):
	default:
		// never echo validation internals
		err = ErrInvalidToken
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
}

func (s *Service) fromHeader(c *gin.Context) string {
	scheme, value, ok := strings.Cut(c.GetHeader(s.headerName), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

func (s *Service) fromCookie(c *gin.Context) string {
	value, err := c.Cookie(s.cookieName)
	if err != nil {
		return ""
	}
	return value
}

func identityOf(c *gin.Context) (identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return identity{}, false
	}
	id, ok := v.(identity)
	return id, ok
}

// SubjectFromContext returns the subject admitted by Middleware.
func SubjectFromContext(c *gin.Context) (string, bool) {
	id, ok := identityOf(c)
	return id.subject, ok
}

// AuthTokenFromContext returns the raw token the request authenticated with.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	id, ok := identityOf(c)
	return id.token, ok && id.token != ""
}
