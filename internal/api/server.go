// Package api provides the REST API and event stream server.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/miner"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/util"
)

// Server is the API server
type Server struct {
	cfg    *config.Config
	m      *miner.Miner
	redis  *storage.RedisClient
	router *gin.Engine
	server *http.Server

	upgrader websocket.Upgrader

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *miner.Stats
	statsCacheTime time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, m *miner.Miner, redis *storage.RedisClient) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		m:      m,
		redis:  redis,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/workers", s.handleWorkers)
		api.GET("/challenge", s.handleChallenge)
		api.GET("/receipts", s.handleReceipts)
		api.GET("/events", s.handleEvents)
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.POST("/reinitialize", s.handleReinitialize)
		api.POST("/config", s.handleConfig)
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns the mining session snapshot
func (s *Server) handleStats(c *gin.Context) {
	// Check cache
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	stats := s.m.GetStats()

	s.statsCacheMu.Lock()
	s.statsCache = &stats
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, stats)
}

// WorkerResponse is one worker in the /api/workers list
type WorkerResponse struct {
	ID             int     `json:"id"`
	Address        string  `json:"address"`
	Status         string  `json:"status"`
	HashesComputed uint64  `json:"hashes_computed"`
	HashRate       float64 `json:"hash_rate"`
	LastUpdate     int64   `json:"last_update"`
}

// handleWorkers returns per-worker state
func (s *Server) handleWorkers(c *gin.Context) {
	snapshot := s.m.WorkerSnapshot()
	workers := make([]WorkerResponse, 0, len(snapshot))
	for _, w := range snapshot {
		workers = append(workers, WorkerResponse{
			ID:             w.ID,
			Address:        w.Address,
			Status:         string(w.Status),
			HashesComputed: w.HashesComputed,
			HashRate:       w.HashRate,
			LastUpdate:     w.LastUpdate.Unix(),
		})
	}

	c.JSON(200, gin.H{"workers": workers})
}

// handleChallenge returns the currently installed challenge
func (s *Server) handleChallenge(c *gin.Context) {
	ch := s.m.CurrentChallenge()
	if ch == nil {
		c.JSON(404, gin.H{"error": "No active challenge"})
		return
	}

	c.JSON(200, gin.H{
		"id":                ch.ID,
		"difficulty":        ch.Difficulty,
		"zero_bits":         ch.ZeroBits,
		"latest_submission": ch.LatestSubmission,
		"no_pre_mine_hour":  ch.NoPreMineHour,
	})
}

// handleReceipts returns recent submission receipts
func (s *Server) handleReceipts(c *gin.Context) {
	receipts, err := s.redis.GetRecentReceipts(50)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get receipts"})
		return
	}

	c.JSON(200, gin.H{"receipts": receipts})
}

// StartRequest is the /api/start and /api/reinitialize body
type StartRequest struct {
	Password      string `json:"password"`
	AddressOffset int    `json:"address_offset"`
}

// handleStart starts the mining service
func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	if err := s.m.Start(req.Password, req.AddressOffset); err != nil {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"status": "started"})
}

// handleStop stops the mining service
func (s *Server) handleStop(c *gin.Context) {
	s.m.Stop()
	c.JSON(200, gin.H{"status": "stopped"})
}

// handleReinitialize reloads the wallet and resumes mining
func (s *Server) handleReinitialize(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	if err := s.m.Reinitialize(req.Password, req.AddressOffset); err != nil {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"status": "reinitialized"})
}

// handleConfig applies hot-reloadable configuration
func (s *Server) handleConfig(c *gin.Context) {
	var upd miner.ConfigUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	if err := s.m.UpdateConfiguration(upd); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"status": "ok"})
}

// Event stream keepalive settings
const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEvents upgrades to a websocket and streams orchestration
// events until the client goes away
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.m.Events().Subscribe()
	defer unsubscribe()

	// drain client frames so pong handling and close detection work
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
