package server

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/adops/internal/observability/context"
	"go.uber.org/zap"
)

const (
	contextUserIDKey = "user_id"
	authHeaderPrefix = "Bearer "
	streamTokenQuery = "access_token"
	jwtSigningMethod = "HS256"
	jwtLeeway        = 30 * time.Second
)

var (
	errMissingSubject = errors.New("missing_subject")
	errInvalidSubject = errors.New("invalid_subject")
)

// userClaims is the token issued by the auth backend. Subject holds the user
// id as a UUID.
type userClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserAuthRequired verifies the bearer JWT and stores the user id on the context.
func (s *Server) UserAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.authenticate(c, bearerToken(c))
	}
}

// StreamAuthRequired also accepts the token as a query parameter because
// EventSource cannot set request headers.
func (s *Server) StreamAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query(streamTokenQuery))
		}
		s.authenticate(c, token)
	}
}

func (s *Server) authenticate(c *gin.Context, raw string) {
	secret := strings.TrimSpace(s.cfg.AuthJWTSecret)
	if secret == "" {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if raw == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	userID, err := parseUserToken(raw, []byte(secret))
	if err != nil {
		s.log.Debug("rejected user token", zap.Error(err))
		AbortWithError(c, ErrUnauthorized)
		return
	}

	c.Set(contextUserIDKey, userID)
	ctx := obscontext.WithUserID(c.Request.Context(), userID)
	c.Request = c.Request.WithContext(obscontext.WithActor(ctx, "user", userID))
	c.Next()
}

func parseUserToken(raw string, secret []byte) (string, error) {
	var claims userClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwtSigningMethod}),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errMissingSubject
	}
	// Every store and the live feed key on the canonical lowercase id.
	id, err := uuid.Parse(subject)
	if err != nil {
		return "", errInvalidSubject
	}
	return id.String(), nil
}

// WritableRequired rejects mutations for users whose subscription is read-only.
func (s *Server) WritableRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.subscriptionSvc.EnsureWritable(c.Request.Context(), userIDFromContext(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// JobTokenRequired guards the internal job endpoints. An unset token disables them.
func (s *Server) JobTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.JobToken)
		if expected == "" {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		provided := bearerToken(c)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, authHeaderPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, authHeaderPrefix))
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
