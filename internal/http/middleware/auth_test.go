package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	tokens map[string]string
	seen   []string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	s.seen = append(s.seen, idToken)
	if uid, ok := s.tokens[idToken]; ok {
		return &auth.Token{UID: uid}, nil
	}
	return nil, errors.New("token expired")
}

func authRouter(v TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(v))
	r.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, userIDFromCtx(c)) })
	return r
}

func TestAuth_DevelopmentModeTrustsHeader(t *testing.T) {
	r := authRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderUserID, "  alice ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, "demo-user", w.Body.String())
}

func TestAuth_VerifiesBearerToken(t *testing.T) {
	v := &stubVerifier{tokens: map[string]string{"good": "uid-1"}}
	r := authRouter(v)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set(HeaderUserID, "spoofed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "uid-1", w.Body.String(), "the header is ignored once tokens are verified")
}

func TestAuth_AcceptsQueryTokenForEventStreams(t *testing.T) {
	v := &stubVerifier{tokens: map[string]string{"good": "uid-1"}}
	r := authRouter(v)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?access_token=good", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "uid-1", w.Body.String())
}

func TestAuth_Rejects(t *testing.T) {
	v := &stubVerifier{tokens: map[string]string{"good": "uid-1"}}
	r := authRouter(v)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong scheme": "Basic good",
		"no token":     "Bearer ",
		"expired":      "Bearer stale",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
		})
	}
	assert.Equal(t, []string{"stale"}, v.seen, "only well-formed tokens reach the verifier")
}

func TestNewFirebaseVerifier_RequiresCredentials(t *testing.T) {
	_, err := NewFirebaseVerifier(context.Background(), " ")
	assert.Error(t, err)
}
