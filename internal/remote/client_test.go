package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/pkg/cerr"
)

// fixture is a minimal platform stand-in. Handlers reject any request not
// carrying the current bearer token; the refresh endpoint rotates it.
type fixture struct {
	srv     *httptest.Server
	token   atomic.Value // current valid token
	refresh atomic.Int64 // refresh calls served
}

func newFixture(t *testing.T, mount func(r chi.Router, f *fixture)) *fixture {
	t.Helper()
	f := &fixture{}
	f.token.Store("tok-1")

	r := chi.NewRouter()
	r.Post("/v1/auth/token", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		if body.RefreshToken != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.refresh.Add(1)
		f.token.Store("tok-2")
		writeJSON(t, w, map[string]string{"token": "tok-2"})
	})
	r.Group(func(r chi.Router) {
		r.Use(f.requireAuth)
		mount(r, f)
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		want := "Bearer " + f.token.Load().(string)
		if req.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (f *fixture) client() *Client {
	return NewClientWithHTTP(f.srv.URL, "tok-1", "refresh-1", f.srv.Client())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetProject(t *testing.T) {
	var requestID string
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/projects/{id}", func(w http.ResponseWriter, req *http.Request) {
			requestID = req.Header.Get("X-Request-Id")
			writeJSON(t, w, model.Project{ID: chi.URLParam(req, "id"), Idn: "acme", Title: "Acme"})
		})
	})

	p, err := f.client().GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "acme", p.Idn)
	// Every request carries a fresh ULID correlation id.
	assert.Len(t, requestID, 26)
}

func TestNotFoundMapsToCodedError(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/projects/{id}", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    "not_found",
				"message": "project missing",
				"details": []string{"no project with id nope"},
			})
		})
	})

	_, err := f.client().GetProject(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
	assert.Contains(t, err.Error(), "project missing")
	assert.Equal(t, []string{"no project with id nope"}, cerr.DetailsOf(err))
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	var calls atomic.Int64
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/skills/{id}", func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			writeJSON(t, w, model.Skill{ID: chi.URLParam(req, "id"), Idn: "hello", Content: "Say hello.\n"})
		})
	})
	// The initial token is already stale.
	f.token.Store("tok-2")

	s, err := f.client().GetSkill(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Say hello.\n", s.Content)
	assert.Equal(t, int64(1), f.refresh.Load())
	assert.Equal(t, int64(1), calls.Load())
}

func TestRefreshRejectionSurfaces(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/skills/{id}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(t, w, model.Skill{})
		})
	})
	f.token.Store("tok-2")
	c := NewClientWithHTTP(f.srv.URL, "tok-1", "wrong-refresh", f.srv.Client())

	_, err := c.GetSkill(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Unauthenticated))
}

func TestConcurrentRequestsRefreshIndependently(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/skills/{id}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(t, w, model.Skill{ID: chi.URLParam(req, "id")})
		})
	})
	f.token.Store("tok-2")
	c := f.client()

	// Each request carries its own retry marker, so one request's refresh
	// can never consume another's single retry.
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := c.GetSkill(context.Background(), "s1")
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCreateSkillReturnsID(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Post("/v1/flows/{id}/skills", func(w http.ResponseWriter, req *http.Request) {
			var s model.Skill
			require.NoError(t, json.NewDecoder(req.Body).Decode(&s))
			assert.Equal(t, "hello", s.Idn)
			assert.Equal(t, "Say hello.\n", s.Content)
			writeJSON(t, w, map[string]string{"id": "s-new"})
		})
	})

	id, err := f.client().CreateSkill(context.Background(), "f1",
		&model.Skill{Idn: "hello", Runner: model.RunnerGuidance, Content: "Say hello.\n"})
	require.NoError(t, err)
	assert.Equal(t, "s-new", id)
}

func TestUpdateSkill(t *testing.T) {
	var got model.Skill
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Put("/v1/skills/{id}", func(w http.ResponseWriter, req *http.Request) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		})
	})

	err := f.client().UpdateSkill(context.Background(),
		&model.Skill{ID: "s1", Idn: "hello", Content: "updated\n"})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "updated\n", got.Content)
}

func TestPublishFlow(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Post("/v1/flows/{id}/publish", func(w http.ResponseWriter, req *http.Request) {
			switch chi.URLParam(req, "id") {
			case "good":
				writeJSON(t, w, PublishResult{OK: true})
			case "invalid":
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(PublishResult{OK: false, Reasons: []string{"flow has no entry skill"}})
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		})
	})
	c := f.client()

	res, err := c.PublishFlow(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, res.OK)

	// Validation rejection is an outcome, not a transport error.
	res, err = c.PublishFlow(context.Background(), "invalid")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"flow has no entry skill"}, res.Reasons)

	_, err = c.PublishFlow(context.Background(), "boom")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
}

func TestListAgentsNestsFlows(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/projects/{id}/agents", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(t, w, []AgentWithFlows{{
				Agent: model.Agent{ID: "a1", Idn: "support"},
				Flows: []*model.Flow{{ID: "f1", Idn: "greeting", Runner: model.RunnerGuidance}},
			}})
		})
	})

	agents, err := f.client().ListAgents(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "support", agents[0].Agent.Idn)
	require.Len(t, agents[0].Flows, 1)
	assert.Equal(t, "greeting", agents[0].Flows[0].Idn)
}

func TestBaseURLTrailingSlash(t *testing.T) {
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/projects/{id}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(t, w, model.Project{ID: "p1"})
		})
	})
	c := NewClientWithHTTP(f.srv.URL+"/", "tok-1", "refresh-1", f.srv.Client())

	p, err := c.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestRequestIDsAreUnique(t *testing.T) {
	var ids []string
	f := newFixture(t, func(r chi.Router, f *fixture) {
		r.Get("/v1/projects/{id}", func(w http.ResponseWriter, req *http.Request) {
			ids = append(ids, req.Header.Get("X-Request-Id"))
			writeJSON(t, w, model.Project{ID: "p1"})
		})
	})
	c := f.client()

	for i := 0; i < 3; i++ {
		_, err := c.GetProject(context.Background(), "p1")
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		assert.True(t, strings.TrimSpace(id) != "")
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}
