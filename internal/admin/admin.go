// Package admin implements the read-only admin surface of spec §4.9:
// breaker/limiter/blacklist state behind a constant-time X-Admin-Key
// check, plus a supplemental live-state WebSocket stream adapted from
// the teacher's websocket hub.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"rpcgateway/internal/blacklist"
	"rpcgateway/internal/breaker"
	"rpcgateway/internal/cache"
	"rpcgateway/internal/logging"
	"rpcgateway/internal/ratelimit"
)

// Handlers wires the admin surface's dependencies. One per process;
// explicitly constructed rather than reached via a package singleton.
type Handlers struct {
	keyHash    string // bcrypt hash of the configured admin key; empty means "unset"
	cache      *cache.Manager
	snapshotTTL time.Duration

	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	blacklist *blacklist.List

	hub *hub
}

// Config parameterizes Handlers.
type Config struct {
	AdminKeyHash string
	Cache        *cache.Manager
	SnapshotTTL  time.Duration
	Breaker      *breaker.Breaker
	Limiter      *ratelimit.Limiter
	Blacklist    *blacklist.List
}

func New(cfg Config) *Handlers {
	return &Handlers{
		keyHash:     cfg.AdminKeyHash,
		cache:       cfg.Cache,
		snapshotTTL: cfg.SnapshotTTL,
		breaker:     cfg.Breaker,
		limiter:     cfg.Limiter,
		blacklist:   cfg.Blacklist,
		hub:         newHub(),
	}
}

// AuthMiddleware guards every admin route except /watchdog. Missing
// header -> 401; unset configured key or mismatch -> 403 (spec §4.9).
func (h *Handlers) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-Admin-Key"})
			c.Abort()
			return
		}
		if h.keyHash == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key not configured"})
			c.Abort()
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(h.keyHash), []byte(key)) != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Register mounts the admin surface at the paths spec §6 names:
// /watchdog is unauthenticated liveness; /status, /ratelimitstatus,
// /blackliststatus, and the supplemental /admin/stream all require
// X-Admin-Key.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/watchdog", h.Liveness)

	g := r.Group("/")
	g.Use(h.AuthMiddleware())
	g.GET("/status", h.BreakerState)
	g.GET("/ratelimitstatus", h.RateLimiterState)
	g.GET("/blackliststatus", h.BlacklistState)
	g.GET("/admin/stream", h.Stream)
}

// Liveness is unauthenticated (spec §4.9).
//
// @Summary Liveness probe
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /watchdog [get]
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BreakerState reports the circuit breaker's current state.
//
// @Summary Breaker snapshot
// @Tags admin
// @Security AdminKeyAuth
// @Produce json
// @Success 200 {object} breaker.Snapshot
// @Failure 401 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /status [get]
func (h *Handlers) BreakerState(c *gin.Context) {
	c.JSON(http.StatusOK, h.memoized("admin:breaker_snapshot", func() interface{} {
		return h.breaker.Snapshot()
	}))
}

// RateLimiterState reports the limiter's current blocklists and
// diagnostic counts.
//
// @Summary Rate limiter snapshot
// @Tags admin
// @Security AdminKeyAuth
// @Produce json
// @Success 200 {object} ratelimit.Snapshot
// @Failure 401 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /ratelimitstatus [get]
func (h *Handlers) RateLimiterState(c *gin.Context) {
	c.JSON(http.StatusOK, h.memoized("admin:ratelimiter_snapshot", func() interface{} {
		return h.limiter.Snapshot()
	}))
}

// BlacklistState reports the loaded blacklist size.
//
// @Summary Blacklist snapshot
// @Tags admin
// @Security AdminKeyAuth
// @Produce json
// @Success 200 {object} map[string]int
// @Failure 401 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /blackliststatus [get]
func (h *Handlers) BlacklistState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"size": h.blacklist.Size()})
}

// memoized serves a snapshot from the cache when fresh, recomputing
// and re-caching on miss. Memoization keeps repeated admin polling
// from recomputing breaker/limiter state on every call.
func (h *Handlers) memoized(key string, compute func() interface{}) interface{} {
	if h.cache != nil {
		if v, ok := h.cache.Get(key); ok {
			return v
		}
	}
	v := compute()
	if h.cache != nil {
		h.cache.Set(key, v, h.snapshotTTL)
	}
	return v
}

// Broadcast pushes a live-state event to every connected /admin/stream
// client. The breaker, limiter and aggregator do not call it, so the
// stream carries only the events a caller passes in explicitly.
func (h *Handlers) Broadcast(event string, data interface{}) {
	h.hub.broadcast(event, data)
}

// --- WebSocket hub, adapted from the teacher's websocket handler ---

type hub struct {
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	clients    map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]struct{}{},
	}
}

func (h *hub) broadcast(event string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"event": event,
		"data":  data,
		"ts":    time.Now().Unix(),
	})
	if err != nil {
		logging.Errorf("admin: marshal broadcast: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Stream upgrades to a WebSocket and keeps it registered in the hub
// until the client disconnects.
func (h *Handlers) Stream(c *gin.Context) {
	conn, err := h.hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Errorf("admin: websocket upgrade failed: %v", err)
		return
	}

	h.hub.mu.Lock()
	h.hub.clients[conn] = struct{}{}
	h.hub.mu.Unlock()

	defer func() {
		h.hub.mu.Lock()
		delete(h.hub.clients, conn)
		h.hub.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
