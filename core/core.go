package core

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/tether/config"
	"github.com/InsulaLabs/tether/eventlog"
	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const rateLimiterTTL = time.Minute * 1

// Core owns the HTTP surface, the relay hub, and the liveness machinery.
// One Core serves one relay instance; subjects are multiplexed within it.
type Core struct {
	appCtx   context.Context
	cfg      *config.Relay
	logger   *slog.Logger
	store    store.Store
	eventLog *eventlog.Log
	liveness *tracker
	router   *mux.Router

	startedAt time.Time

	secretHash [32]byte

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	// WebSocket session handling
	sessions            map[string]map[*session]bool
	sessionsLock        sync.RWMutex
	wsUpgrader          websocket.Upgrader
	activeWsConnections int32
	wsConnectionLock    sync.Mutex

	// Serializes append+fan-out per subject so every subscriber observes
	// events in position order.
	publishLocks     map[string]*sync.Mutex
	publishLocksLock sync.Mutex
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Relay,
	st store.Store,
) (*Core, error) {

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](rateLimiterTTL),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rlConfig := cfg.RateLimiters.Register; rlConfig.Limit > 0 {
		rateLimiters["register"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'register'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Backlog; rlConfig.Limit > 0 {
		rateLimiters["backlog"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'backlog'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Relay; rlConfig.Limit > 0 {
		rateLimiters["relay"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'relay'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Default; rlConfig.Limit > 0 {
		rateLimiters["default"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'default'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	c := &Core{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		store:        st,
		secretHash:   sha256.Sum256([]byte(cfg.Server.Secret)),
		rateLimiters: rateLimiters,
		router:       mux.NewRouter(),
		sessions:     make(map[string]map[*session]bool),
		publishLocks: make(map[string]*sync.Mutex),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				logger.Debug("WebSocket CheckOrigin called", "origin", origin, "host", r.Host)
				// Non-browser clients send no Origin header. Browsers are
				// pinned to the configured client domain when one is set.
				if origin == "" || cfg.Server.ClientDomain == "" {
					return true
				}
				parsed, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(parsed.Hostname(), cfg.Server.ClientDomain)
			},
		},
	}

	c.eventLog = eventlog.New(eventlog.Config{
		Logger:       logger,
		Store:        st,
		MaxListLimit: cfg.Backlog.MaxLimit,
	})

	c.liveness = newTracker(trackerConfig{
		Logger:         logger.WithGroup("liveness"),
		Subjects:       st,
		HeartbeatGrace: cfg.Liveness.HeartbeatGrace,
		EmitStatus:     c.emitStatusEvent,
	})

	return c, nil
}

// validSecret compares the caller's bearer token against the configured
// shared secret in constant time.
func (c *Core) validSecret(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	given := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(given[:], c.secretHash[:]) == 1
}

func (c *Core) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.validSecret(r) {
			c.logger.Warn("Unauthorized request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, models.ErrTypeUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	return remoteIP
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		limiterCategory = c.rateLimiters["default"]
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "register":
			rlConfig = c.cfg.RateLimiters.Register
		case "backlog":
			rlConfig = c.cfg.RateLimiters.Backlog
		case "relay":
			rlConfig = c.cfg.RateLimiters.Relay
		default:
			rlConfig = c.cfg.RateLimiters.Default
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, rateLimiterTTL)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Core) subjectPublishLock(subjectID string) *sync.Mutex {
	c.publishLocksLock.Lock()
	defer c.publishLocksLock.Unlock()
	lock, ok := c.publishLocks[subjectID]
	if !ok {
		lock = &sync.Mutex{}
		c.publishLocks[subjectID] = lock
	}
	return lock
}

// appendAndBroadcast durably appends the event and fans it out to every
// live session on the subject except origin. The per-subject lock is
// held across both steps; fan-out never runs ahead of durability and
// subscribers observe events in position order.
func (c *Core) appendAndBroadcast(
	subjectID string,
	eventType models.EventType,
	sender models.Sender,
	payload json.RawMessage,
	userID string,
	tenantID string,
	origin *session,
) (models.Event, error) {
	lock := c.subjectPublishLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	event, err := c.eventLog.Append(c.appCtx, subjectID, eventType, sender, payload, userID, tenantID)
	if err != nil {
		return models.Event{}, err
	}
	c.broadcastEvent(event, origin)
	return event, nil
}

// emitStatusEvent appends a system status event and fans it out to every
// live session on the subject. Used by the liveness tracker for the
// online/offline transitions and the heartbeat observability events.
func (c *Core) emitStatusEvent(subjectID string, status string) {
	payload, err := json.Marshal(models.StatusPayload{Status: status})
	if err != nil {
		c.logger.Error("Could not marshal status payload", "subject_id", subjectID, "status", status, "error", err)
		return
	}
	if _, err := c.appendAndBroadcast(subjectID, models.EventStatus, models.SenderSystem, payload, "", "", nil); err != nil {
		c.logger.Error("Could not append status event", "subject_id", subjectID, "status", status, "error", err)
	}
}

func (c *Core) buildRoutes() {
	c.router.Handle("/api/v1/register",
		c.authMiddleware(c.rateLimitMiddleware(http.HandlerFunc(c.registerHandler), "register"))).
		Methods(http.MethodPost)
	c.router.Handle("/api/v1/subjects/{id}/events",
		c.authMiddleware(c.rateLimitMiddleware(http.HandlerFunc(c.backlogHandler), "backlog"))).
		Methods(http.MethodGet)
	c.router.Handle("/api/v1/subjects/{id}/restart",
		c.authMiddleware(c.rateLimitMiddleware(http.HandlerFunc(c.restartHandler), "default"))).
		Methods(http.MethodPost)
	c.router.Handle("/api/v1/relay",
		c.rateLimitMiddleware(http.HandlerFunc(c.relayHandler), "relay")).
		Methods(http.MethodGet)
	c.router.Handle("/api/v1/ping",
		c.authMiddleware(c.rateLimitMiddleware(http.HandlerFunc(c.pingHandler), "default"))).
		Methods(http.MethodGet)
}

// Run wires the routes and serves until the context is cancelled.
func (c *Core) Run() {
	c.buildRoutes()

	httpListenAddr := c.cfg.Server.Binding
	c.logger.Info(
		"Attempting to start server",
		"listen_addr", httpListenAddr,
		"tls_enabled", (c.cfg.Server.TLS.Cert != "" && c.cfg.Server.TLS.Key != ""),
	)

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: c.router,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	go c.sweepLoop()

	c.startedAt = time.Now()

	if c.cfg.Server.TLS.Cert != "" && c.cfg.Server.TLS.Key != "" {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.Server.TLS.Cert, "key", c.cfg.Server.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(c.cfg.Server.TLS.Cert, c.cfg.Server.TLS.Key); err != http.ErrServerClosed {
			c.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}

	c.sessionsLock.Lock()
	for _, sessions := range c.sessions {
		for s := range sessions {
			if s.conn != nil {
				if err := s.conn.Close(); err != nil {
					c.logger.Error("Error closing WebSocket connection", "error", err)
				}
			}
		}
	}
	c.sessions = make(map[string]map[*session]bool)
	c.sessionsLock.Unlock()
}

func (c *Core) sweepLoop() {
	ticker := time.NewTicker(c.cfg.Liveness.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.appCtx.Done():
			return
		case <-ticker.C:
			c.liveness.Sweep(time.Now().UTC())
		}
	}
}
