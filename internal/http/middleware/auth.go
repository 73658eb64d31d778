// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity. With a TokenVerifier configured
// (Firebase in production) every request must carry a valid ID token, either
// as "Authorization: Bearer <token>" or, for EventSource clients that cannot
// set headers, as the access_token query parameter. Without a verifier the
// service runs in development mode and trusts X-User-ID.
//
// The resolved uid is stored under the "userID" Gin context key, which the
// handlers, the rate limiter and the idempotency validator all read.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"google.golang.org/api/option"
)

const (
	// ctxKeyUserID is where the authenticated uid is stored.
	ctxKeyUserID = "userID"
	// HeaderUserID is the development identity header.
	HeaderUserID = "X-User-ID"
	// QueryAccessToken carries the ID token on event stream requests.
	QueryAccessToken = "access_token"
)

// TokenVerifier verifies an ID token and returns its claims.
// *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewFirebaseVerifier builds a Firebase Auth client from a service account
// credentials file.
func NewFirebaseVerifier(ctx context.Context, credentialsFile string) (*auth.Client, error) {
	if strings.TrimSpace(credentialsFile) == "" {
		return nil, errors.New("firebase credentials file is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, err
	}
	return app.Auth(ctx)
}

// Auth resolves the caller identity. A nil verifier enables the X-User-ID
// development mode.
func Auth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
				c.Set(ctxKeyUserID, uid)
			}
			c.Next()
			return
		}

		raw, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		tok, err := v.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || tok == nil || tok.UID == "" {
			unauthorized(c, "invalid or expired ID token")
			return
		}
		c.Set(ctxKeyUserID, tok.UID)
		c.Next()
	}
}

// bearerToken reads the ID token from the Authorization header, falling back
// to the access_token query parameter.
func bearerToken(c *gin.Context) (string, bool) {
	if h := strings.TrimSpace(c.GetHeader("Authorization")); h != "" {
		scheme, tok, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
			return "", false
		}
		return strings.TrimSpace(tok), true
	}
	if q := strings.TrimSpace(c.Query(QueryAccessToken)); q != "" {
		return q, true
	}
	return "", false
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}

// userIDFromCtx returns the identity stored by Auth, or "demo-user".
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "demo-user"
}
