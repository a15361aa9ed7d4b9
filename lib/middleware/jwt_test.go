package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func testRouter(secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(VerifyJWT(secret))
	r.With(AuthorizeUnit).Get("/units/{unit}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserIDFromContext(r.Context())))
	})
	return r
}

func doRequest(h http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerifyJWT(t *testing.T) {
	h := testRouter(testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		auth   string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"bad signature", "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "u1", "exp": exp}), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, ""},
		{"valid", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": exp}), http.StatusOK, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, "/units/shop", tt.auth)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestVerifyJWT_Disabled(t *testing.T) {
	rec := doRequest(testRouter(""), "/units/shop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthorizeUnit(t *testing.T) {
	h := testRouter(testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	scoped := "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": exp, "units": []string{"shop"}})
	single := "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": exp, "units": "blog"})
	unscoped := "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": exp})

	assert.Equal(t, http.StatusOK, doRequest(h, "/units/shop", scoped).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(h, "/units/blog", scoped).Code)
	assert.Equal(t, http.StatusOK, doRequest(h, "/units/blog", single).Code)
	assert.Equal(t, http.StatusOK, doRequest(h, "/units/anything", unscoped).Code)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := extractBearerToken("bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	_, err = extractBearerToken("abc")
	assert.Error(t, err)
}
