// Package debugserver exposes a running process's live state over
// HTTP for interactive inspection (SPEC_FULL.md §4.17). It takes a
// snapshot function rather than importing the core package directly,
// so wiring it into a process is opt-in from the caller's side.
package debugserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"
)

// DeviceInfo is one entry in State.Devices.
type DeviceInfo struct {
	Backend string `json:"backend"`
	Index   int    `json:"index"`
	Name    string `json:"name"`
}

// State is the JSON body served at /debug/enoki/state.
type State struct {
	ProcessID     string         `json:"process_id"`
	LiveVariables int            `json:"live_variables"`
	CseCacheSize  int            `json:"cse_cache_size"`
	ThreadStates  int            `json:"thread_states"`
	Outstanding   map[string]int `json:"outstanding"`
	Devices       []DeviceInfo   `json:"devices"`
	ShuttingDown  bool           `json:"shutting_down"`
}

// CacheStats is the JSON body served at /debug/enoki/cache.
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Launches uint64 `json:"launches"`
	Entries  int    `json:"entries"`
}

// StateFunc produces a fresh State snapshot on every request.
type StateFunc func() State

// CacheStatsFunc produces a fresh CacheStats snapshot on every request.
type CacheStatsFunc func() CacheStats

// Server wraps an echo router serving the two debug endpoints.
type Server struct {
	echo *echo.Echo
}

// New builds a Server; call ListenAndServe to start it.
func New(stateFn StateFunc, cacheFn CacheStatsFunc) *Server {
	e := echo.New()
	e.GET("/debug/enoki/state", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, stateFn())
	})
	e.GET("/debug/enoki/cache", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, cacheFn())
	})
	return &Server{echo: e}
}

// ListenAndServe blocks serving on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, s.echo)
}
