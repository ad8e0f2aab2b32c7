package api

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"story-nav/server/internal/eventqueue"
	"story-nav/server/internal/media"
	"story-nav/server/internal/model"
	"story-nav/server/internal/store"
)

// Navigator 是编排器对展示层暴露的能力。
// ApplyXxx 只在 Submitter 的队列任务内调用，直接在串行上下文里执行。
type Navigator interface {
	ApplyNavigation(nav model.Navigation) error
	ApplyResetSideStates()
	ApplyMarkAsSeen(authorID model.AuthorID, itemID model.ItemID)
	State() model.PublicState
	Order() []model.AuthorEntry
	Watch() (<-chan struct{}, func())
}

// Submitter 把外部命令放入串行队列（有界，满时拒绝）。
type Submitter interface {
	Enqueue(label string, task eventqueue.Task) error
	EnqueueSync(label string, task eventqueue.Task, timeout time.Duration) error
}

// barrierTimeout 是 /api/state?sync=1 等待队列排空的上限。
const barrierTimeout = 2 * time.Second

// Ingestor 接收上游推送的内容。
type Ingestor interface {
	Ingest(a store.FixtureAuthor, now time.Time) error
}

// PreloadReporter 报告正在进行的预取。
type PreloadReporter interface {
	Active() []model.PreloadTask
}

type Deps struct {
	Navigator Navigator
	Queue     Submitter
	Store     Ingestor
	Preload   PreloadReporter
	Gatherer  prometheus.Gatherer
	Logger    *log.Logger
	Now       func() time.Time
	// PingInterval 为 0 时使用 30s。
	PingInterval time.Duration
}

type Server struct {
	nav          Navigator
	queue        Submitter
	store        Ingestor
	preload      PreloadReporter
	gatherer     prometheus.Gatherer
	logger       *log.Logger
	now          func() time.Time
	pingInterval time.Duration

	upgrader websocket.Upgrader

	// streams 管理所有活跃的状态推送连接 (clientID -> conn)
	streams   map[string]*websocket.Conn
	streamsMu sync.Mutex
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = 30 * time.Second
	}
	return &Server{
		nav:          deps.Navigator,
		queue:        deps.Queue,
		store:        deps.Store,
		preload:      deps.Preload,
		gatherer:     deps.Gatherer,
		logger:       deps.Logger,
		now:          deps.Now,
		pingInterval: deps.PingInterval,
		streams:      make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin(origin) || origin == "http://"+r.Host
			},
		},
	}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/media/:handle", s.handleMedia)

	api := engine.Group("/api")
	api.GET("/state", s.handleState)
	api.GET("/order", s.handleOrder)
	api.POST("/navigate", s.handleNavigate)
	api.POST("/reset-side-states", s.handleResetSideStates)
	api.POST("/seen", s.handleSeen)
	api.POST("/authors/:id/items", s.handleIngest)
	api.GET("/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type stateResponse struct {
	State   model.PublicState   `json:"state"`
	Preload []model.PreloadTask `json:"preload,omitempty"`
}

// handleState 返回当前公共状态。sync=1 时先等待此前排队的命令全部执行完。
func (s *Server) handleState(c *gin.Context) {
	if c.Query("sync") == "1" {
		err := s.queue.EnqueueSync("state_barrier", func(context.Context) error { return nil }, barrierTimeout)
		if err != nil {
			s.logger.Printf("[API] ⚠️ State barrier failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
	}
	resp := stateResponse{State: s.nav.State()}
	if s.preload != nil {
		resp.Preload = s.preload.Active()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOrder(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"authors": s.nav.Order()})
}

// handleNavigate 接收导航请求。请求只被排队，结果通过 /api/state 或 /api/stream 观察。
func (s *Server) handleNavigate(c *gin.Context) {
	var nav model.Navigation
	if err := c.ShouldBindJSON(&nav); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !nav.Kind.Valid() || !nav.Direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be item|peer, direction must be previous|next"})
		return
	}
	s.submit(c, "navigate", func() error { return s.nav.ApplyNavigation(nav) })
}

func (s *Server) handleResetSideStates(c *gin.Context) {
	s.submit(c, "reset_side_states", func() error {
		s.nav.ApplyResetSideStates()
		return nil
	})
}

type seenRequest struct {
	AuthorID model.AuthorID `json:"author_id"`
	ItemID   model.ItemID   `json:"item_id"`
}

func (s *Server) handleSeen(c *gin.Context) {
	var req seenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.submit(c, "mark_seen", func() error {
		s.nav.ApplyMarkAsSeen(req.AuthorID, req.ItemID)
		return nil
	})
}

// handleIngest 追加某个作者的内容，模拟上游推送。
func (s *Server) handleIngest(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid author id"})
		return
	}
	var req store.FixtureAuthor
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.ID = model.AuthorID(id)
	if err := s.store.Ingest(req, s.now()); err != nil {
		s.logger.Printf("[API] ❌ Ingest author=%d failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"author_id": id, "items": len(req.Items)})
}

// handleMedia 提供本地伪媒体内容，支持 Range。
func (s *Server) handleMedia(c *gin.Context) {
	handle := c.Param("handle")
	size := media.DefaultPayloadSize
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
			return
		}
		size = n
	}
	c.Header("Content-Type", "application/octet-stream")
	http.ServeContent(c.Writer, c.Request, handle, time.Time{}, bytes.NewReader(media.Payload(handle, size)))
}

// submit 把命令放入串行队列，队列满时返回 503。
func (s *Server) submit(c *gin.Context, label string, fn func() error) {
	err := s.queue.Enqueue(label, func(_ context.Context) error { return fn() })
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, eventqueue.ErrQueueFull), errors.Is(err, eventqueue.ErrQueueClosed):
		s.logger.Printf("[API] ⚠️ Rejected %s: %v", label, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func allowedOrigin(origin string) bool {
	return origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173"
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// 开发期：允许本地 Vite；线上应改为白名单或同源。
		if allowedOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ActiveStreams 返回当前推送连接数。
func (s *Server) ActiveStreams() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

func newClientID() string {
	return "C_" + uuid.NewString()
}
