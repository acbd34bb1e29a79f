package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"token-trader/internal/execution"
	"token-trader/internal/storage"
)

// Options configures the HTTP server.
type Options struct {
	Listen       string
	JWTSecret    string
	PushInterval time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server serves snapshots, overrides and the websocket channel.
type Server struct {
	opts       Options
	store      storage.Repository
	exec       execution.Executor
	hub        *Hub
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewServer wires the routes. The hub must be registered as an execution
// listener by the caller for pushes to happen on state changes.
func NewServer(opts Options, store storage.Repository, exec execution.Executor, hub *Hub, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		opts:   opts,
		store:  store,
		exec:   exec,
		hub:    hub,
		router: gin.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	s.router.GET("/ws", s.handleWebsocket)

	api := s.router.Group("/api")
	api.GET("/assets", s.handleListAssets)
	api.GET("/assets/:id", s.handleGetAsset)
	api.GET("/positions", s.handleListPositions)
	api.GET("/wallets", s.handleListWallets)

	overrides := api.Group("/assets/:id")
	overrides.Use(requireToken(s.opts.JWTSecret))
	overrides.POST("/enter", s.handleForceEnter)
	overrides.POST("/exit", s.handleForceExit)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	if s.hub != nil {
		go s.hub.RunPush(pushCtx, s.opts.PushInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server started")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func assetID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid asset id")
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 0 {
		return def
	}
	return limit
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleListAssets(c *gin.Context) {
	ctx := c.Request.Context()
	all := c.Query("all") == "true"
	assets, err := s.store.ListAssets(ctx, all, queryLimit(c, 100))
	if err != nil {
		s.logger.Error().Err(err).Msg("list assets")
		errorResponse(c, http.StatusInternalServerError, "failed to list assets")
		return
	}
	out := make([]Snapshot, 0, len(assets))
	for _, a := range assets {
		snap, err := BuildSnapshot(ctx, s.store, a.ID)
		if err != nil {
			s.logger.Error().Err(err).Int64("asset_id", a.ID).Msg("build snapshot")
			errorResponse(c, http.StatusInternalServerError, "failed to build snapshot")
			return
		}
		out = append(out, snap)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetAsset(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	snap, err := BuildSnapshot(c.Request.Context(), s.store, id)
	if errors.Is(err, storage.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("asset_id", id).Msg("build snapshot")
		errorResponse(c, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListPositions(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	positions, err := s.store.ListPositions(c.Request.Context(), openOnly, queryLimit(c, 100))
	if err != nil {
		s.logger.Error().Err(err).Msg("list positions")
		errorResponse(c, http.StatusInternalServerError, "failed to list positions")
		return
	}
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListWallets(c *gin.Context) {
	wallets, err := s.store.ListWallets(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list wallets")
		errorResponse(c, http.StatusInternalServerError, "failed to list wallets")
		return
	}
	out := make([]WalletView, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, walletView(w))
	}
	c.JSON(http.StatusOK, out)
}

type overrideRequest struct {
	Reason  string `json:"reason"`
	Archive bool   `json:"archive"`
}

// ResultView is the definite answer returned to override callers.
type ResultView struct {
	RequestID  string            `json:"request_id"`
	Action     execution.Action  `json:"action"`
	AssetID    int64             `json:"asset_id"`
	State      execution.State   `json:"state"`
	Trail      []execution.State `json:"trail"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Class      execution.Class   `json:"class,omitempty"`
	Archived   bool              `json:"archived"`
	DurationMs int64             `json:"duration_ms"`
	Position   *PositionView     `json:"position,omitempty"`
}

func resultView(r execution.Result) ResultView {
	v := ResultView{
		RequestID:  r.RequestID,
		Action:     r.Action,
		AssetID:    r.AssetID,
		State:      r.State,
		Trail:      r.Trail,
		Reason:     r.Reason,
		Class:      r.Class,
		Archived:   r.Archived,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	if r.Position != nil {
		p := positionView(*r.Position)
		v.Position = &p
	}
	return v
}

func resultStatus(r execution.Result) int {
	if r.OK() {
		return http.StatusOK
	}
	if errors.Is(r.Err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	switch r.Class {
	case execution.ClassContention:
		return http.StatusConflict
	case execution.ClassSafety:
		return http.StatusUnprocessableEntity
	case execution.ClassPartial, execution.ClassMarket:
		return http.StatusBadGateway
	}
	return http.StatusServiceUnavailable
}

func (s *Server) bindOverride(c *gin.Context) (overrideRequest, bool) {
	var req overrideRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body")
			return req, false
		}
	}
	if req.Reason == "" {
		req.Reason = execution.OutcomeForced
	}
	return req, true
}

func (s *Server) handleForceEnter(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	req, ok := s.bindOverride(c)
	if !ok {
		return
	}
	res := s.exec.Enter(c.Request.Context(), id, execution.EnterOptions{Forced: true, Reason: req.Reason})
	s.logger.Info().
		Str("request_id", res.RequestID).
		Int64("asset_id", id).
		Str("state", string(res.State)).
		Str("subject", c.GetString("subject")).
		Msg("forced entry")
	c.JSON(resultStatus(res), resultView(res))
}

func (s *Server) handleForceExit(c *gin.Context) {
	id, ok := assetID(c)
	if !ok {
		return
	}
	req, ok := s.bindOverride(c)
	if !ok {
		return
	}
	res := s.exec.Exit(c.Request.Context(), id, execution.ExitOptions{Forced: true, Reason: req.Reason, Archive: req.Archive})
	s.logger.Info().
		Str("request_id", res.RequestID).
		Int64("asset_id", id).
		Str("state", string(res.State)).
		Str("subject", c.GetString("subject")).
		Msg("forced exit")
	c.JSON(resultStatus(res), resultView(res))
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if s.hub == nil {
		errorResponse(c, http.StatusNotFound, "websocket disabled")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.serve(conn)
}
