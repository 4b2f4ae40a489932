package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu            sync.Mutex
	refreshCalls  int64
	refreshDelay  time.Duration
	refreshDead   bool
	validAccess   string
	validRefresh  string
	alwaysExpired bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.refreshCalls, 1)
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}

		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()

		if f.refreshDead || req.RefreshToken != f.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "REVOKED_TOKEN", "message": "token has been revoked"},
			})
			return
		}

		// Rotate the pair: the consumed refresh token dies here.
		f.validAccess = f.validAccess + "+"
		f.validRefresh = f.validRefresh + "+"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"access_token": f.validAccess, "refresh_token": f.validRefresh},
		})
	})

	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "password" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "INVALID_CREDENTIALS", "message": "invalid email or password"},
			})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"access_token":  f.validAccess,
				"refresh_token": f.validRefresh,
				"user":          map[string]string{"id": "u1", "email": req.Email, "full_name": "User", "role": "CUSTOMER"},
			},
		})
	})

	mux.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "INTERNAL_ERROR", "message": "boom"},
		})
	})

	mux.HandleFunc("/api/v1/data", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		valid := "Bearer " + f.validAccess
		f.mu.Unlock()

		if f.alwaysExpired || r.Header.Get("Authorization") != valid {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "TOKEN_EXPIRED", "message": "token has expired"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]bool{"ok": true},
		})
	})

	return mux
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{validAccess: "access-valid", validRefresh: "refresh-valid"}
}

func seededStore(access, refresh string) *MemoryStore {
	store := NewMemoryStore()
	_ = store.Save(TokenPair{AccessToken: access, RefreshToken: refresh})
	return store
}

func TestLoginStoresPairAndPrincipal(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := NewMemoryStore()
	c := New(srv.URL, store)

	require.NoError(t, c.Login(context.Background(), "user@example.com", "password"))

	pair, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-valid", pair.AccessToken)
	assert.Equal(t, "refresh-valid", pair.RefreshToken)
	require.NotNil(t, pair.Principal)
	assert.Equal(t, "user@example.com", pair.Principal.Email)
}

func TestLoginBadCredentials(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := NewMemoryStore()
	c := New(srv.URL, store)

	err := c.Login(context.Background(), "user@example.com", "wrong")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "INVALID_CREDENTIALS", apiErr.Code)
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDoWithValidToken(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(srv.URL, seededStore("access-valid", "refresh-valid"))

	data, err := c.Get(context.Background(), "/api/v1/data")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.refreshCalls))
}

func TestDoRefreshesExpiredTokenOnce(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := seededStore("access-stale", "refresh-valid")
	c := New(srv.URL, store)

	data, err := c.Get(context.Background(), "/api/v1/data")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.refreshCalls))

	pair, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-valid+", pair.AccessToken)
	assert.Equal(t, "refresh-valid+", pair.RefreshToken)
}

func TestDoRetriesAtMostOnce(t *testing.T) {
	api := newFakeAPI()
	api.alwaysExpired = true
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(srv.URL, seededStore("access-stale", "refresh-valid"))

	_, err := c.Get(context.Background(), "/api/v1/data")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "TOKEN_EXPIRED", apiErr.Code)
	// One refresh, no refresh loop.
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.refreshCalls))
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	api := newFakeAPI()
	api.refreshDelay = 300 * time.Millisecond
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(srv.URL, seededStore("access-stale", "refresh-valid"))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Get(context.Background(), "/api/v1/data")
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	// The refresh token is single-use server-side; coalescing means one
	// exchange serves every waiter.
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.refreshCalls))
}

func TestDeadRefreshTokenEndsSession(t *testing.T) {
	api := newFakeAPI()
	api.refreshDead = true
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := seededStore("access-stale", "refresh-valid")
	c := New(srv.URL, store)

	_, err := c.Get(context.Background(), "/api/v1/data")
	require.ErrorIs(t, err, ErrSessionExpired)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogoutClearsLocalStateOnServerFailure(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := seededStore("access-valid", "refresh-valid")
	c := New(srv.URL, store)

	require.NoError(t, c.Logout(context.Background()))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogoutWithoutSessionIsNoop(t *testing.T) {
	c := New("http://unused", NewMemoryStore())
	assert.NoError(t, c.Logout(context.Background()))
}
