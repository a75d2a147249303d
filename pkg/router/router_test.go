package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

func Test_ErrorMapper(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errNotFound, func(err error) Error {
		return NewJsonError(http.StatusNotFound, err.Error())
	})

	tcs := []struct {
		name string
		err  error
		exp  Error
	}{
		{
			name: "registered error",
			err:  errNotFound,
			exp:  NewJsonError(http.StatusNotFound, "not found"),
		},
		{
			name: "wrapped registered error",
			err:  fmt.Errorf("GetUser: %w", errNotFound),
			exp:  NewJsonError(http.StatusNotFound, "GetUser: not found"),
		},
		{
			name: "unknown error",
			err:  errors.New("random error"),
			exp:  DefaultError,
		},
		{
			name: "api error",
			err:  NewJsonError(http.StatusBadRequest, "API Error"),
			exp:  NewJsonError(http.StatusBadRequest, "API Error"),
		},
		{
			name: "wrapped api error",
			err:  fmt.Errorf("decode: %w", NewJsonError(http.StatusBadRequest, "bad body")),
			exp:  NewJsonError(http.StatusBadRequest, "bad body"),
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func TestHandlerErrorResponse(t *testing.T) {
	router := New()
	router.RegisterErrorMapper(errNotFound, func(err error) Error {
		return NewJsonError(http.StatusNotFound, "missing")
	})
	router.Route("/api", func(r *Router) {
		r.Get("/thing", func(w http.ResponseWriter, r *http.Request) error {
			return fmt.Errorf("lookup: %w", errNotFound)
		})
		r.Get("/ok", func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusNoContent)
			return nil
		})
	})

	t.Run("mapped error in sub router", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/thing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body JsonError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, NewJsonError(http.StatusNotFound, "missing"), body)
	})

	t.Run("success", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ok", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestMiddleware(t *testing.T) {
	router := New()
	deny := func(next http.Handler) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			if r.Header.Get("X-Allow") == "" {
				return NewJsonError(http.StatusUnauthorized, "unauthenticated")
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}
	router.With(deny).Get("/private", func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusOK)
		return nil
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("X-Allow", "1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultError(t *testing.T) {
	router := New(WithDefaultError(StatusError(http.StatusServiceUnavailable)))
	router.Get("/", func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("boom")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body JsonError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Service Unavailable", body.Err)
}
