package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dockhandvm/dockhand/internal/server/db"
	"github.com/dockhandvm/dockhand/internal/server/docker"
	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
	"github.com/dockhandvm/dockhand/internal/server/manager/registry"
	"github.com/dockhandvm/dockhand/internal/server/manager/requirements"
)

// Supervisor is the lifecycle surface the API exposes.
type Supervisor interface {
	Start(ctx context.Context, opts manager.StartOptions) (registry.Handle, error)
	Stop(ctx context.Context) error
	Status() manager.Status
	Logs(tail int) []string
	Requirements() requirements.Report
}

// Installer provisions first-boot assets; progress surfaces on the event bus.
type Installer interface {
	Run(ctx context.Context) error
}

// Options wires the router's collaborators. Docker, Store, Metrics, and
// Installer are optional; their routes answer 503 when absent.
type Options struct {
	Logger     *slog.Logger
	Supervisor Supervisor
	Bus        eventbus.Bus
	Docker     *docker.Client
	Store      db.Store
	Metrics    http.Handler
	Installer  Installer
}

// New constructs the HTTP API router backed by the lifecycle manager.
func New(opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Logger))

	api := &apiServer{
		logger:     opts.Logger,
		supervisor: opts.Supervisor,
		bus:        opts.Bus,
		docker:     opts.Docker,
		store:      opts.Store,
		installer:  opts.Installer,
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		vm := v1.Group("/vm")
		{
			vm.GET("/requirements", api.getRequirements)
			vm.POST("/install", api.installAssets)
			vm.POST("/start", api.startVM)
			vm.POST("/stop", api.stopVM)
			vm.GET("/status", api.getStatus)
			vm.GET("/logs", api.getLogs)
			vm.GET("/transitions", api.listTransitions)
		}

		v1.GET("/events", api.streamEvents)

		dockerGroup := v1.Group("/docker")
		{
			dockerGroup.GET("/ping", api.dockerPing)
			dockerGroup.GET("/version", api.dockerVersion)
			dockerGroup.GET("/containers", api.dockerContainers)
			dockerGroup.POST("/containers/:id/start", api.dockerStartContainer)
			dockerGroup.POST("/containers/:id/stop", api.dockerStopContainer)
		}
	}

	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

type apiServer struct {
	logger     *slog.Logger
	supervisor Supervisor
	bus        eventbus.Bus
	docker     *docker.Client
	store      db.Store
	installer  Installer

	installing atomic.Bool
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func (api *apiServer) getRequirements(c *gin.Context) {
	c.JSON(http.StatusOK, api.supervisor.Requirements())
}

// installAssets kicks off first-boot provisioning in the background. The run
// outlives the request; progress lands on the event bus as progress events.
func (api *apiServer) installAssets(c *gin.Context) {
	if api.installer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "installer not available"})
		return
	}
	if !api.installing.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "install already in progress"})
		return
	}
	go func() {
		defer api.installing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := api.installer.Run(ctx); err != nil {
			api.logger.Error("install run", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "installing"})
}

func (api *apiServer) startVM(c *gin.Context) {
	var opts manager.StartOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start options"})
			return
		}
	}
	handle, err := api.supervisor.Start(c.Request.Context(), opts)
	if err != nil {
		if errors.Is(err, manager.ErrAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, manager.ErrInvalidOptions) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"handle": uint64(handle), "status": api.supervisor.Status()})
}

func (api *apiServer) stopVM(c *gin.Context) {
	if err := api.supervisor.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": api.supervisor.Status()})
}

func (api *apiServer) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.supervisor.Status())
}

func (api *apiServer) getLogs(c *gin.Context) {
	tail := 100
	if raw := c.Query("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		tail = parsed
	}
	c.JSON(http.StatusOK, gin.H{"lines": api.supervisor.Logs(tail)})
}

func (api *apiServer) listTransitions(c *gin.Context) {
	if api.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not available"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	name := api.supervisor.Status().Name
	machine, err := api.store.Queries().Machines().GetByName(c.Request.Context(), name)
	if err != nil || machine == nil {
		c.JSON(http.StatusOK, gin.H{"transitions": []db.TransitionRecord{}})
		return
	}
	records, err := api.store.Queries().Transitions().ListByMachine(c.Request.Context(), machine.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": records})
}

// subscribeTopics resolves the kinds query parameter to bus topics. An empty
// or missing parameter subscribes to everything.
func subscribeTopics(raw string) ([]string, bool) {
	if strings.TrimSpace(raw) == "" {
		return []string{events.TopicState, events.TopicLogs, events.TopicProgress, events.TopicErrors}, true
	}
	var topics []string
	for _, kind := range strings.Split(raw, ",") {
		topic := events.TopicForKind(strings.TrimSpace(kind))
		if topic == "" {
			return nil, false
		}
		topics = append(topics, topic)
	}
	return topics, true
}

type eventFrame struct {
	Kind    string `json:"kind"`
	Missed  uint64 `json:"missed,omitempty"`
	Payload any    `json:"payload"`
}

func kindForTopic(topic string) string {
	switch topic {
	case events.TopicState:
		return events.KindState
	case events.TopicLogs:
		return events.KindLog
	case events.TopicProgress:
		return events.KindProgress
	case events.TopicErrors:
		return events.KindError
	}
	return topic
}

func (api *apiServer) streamEvents(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	topics, ok := subscribeTopics(c.Query("kinds"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event kind"})
		return
	}

	flusher, flushable := c.Writer.(http.Flusher)
	if !flushable {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sub, err := api.bus.Subscribe(topics, 64)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-sub.Events():
			if !open {
				return
			}
			frame := eventFrame{Kind: kindForTopic(env.Topic), Missed: env.Missed, Payload: env.Payload}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("event: " + frame.Kind + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (api *apiServer) eventsWebSocket(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	topics, ok := subscribeTopics(c.Query("kinds"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event kind"})
		return
	}

	conn, err := (&websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	sub, err := api.bus.Subscribe(topics, 64)
	if err != nil {
		api.logger.Error("events ws subscribe", "error", err)
		return
	}
	defer sub.Close()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.Events():
			if !open {
				return
			}
			frame := eventFrame{Kind: kindForTopic(env.Topic), Missed: env.Missed, Payload: env.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (api *apiServer) dockerPing(c *gin.Context) {
	if api.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker passthrough not available"})
		return
	}
	if err := api.docker.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (api *apiServer) dockerVersion(c *gin.Context) {
	if api.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker passthrough not available"})
		return
	}
	info, err := api.docker.Version(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (api *apiServer) dockerContainers(c *gin.Context) {
	if api.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker passthrough not available"})
		return
	}
	all := c.Query("all") == "true"
	containers, err := api.docker.ListContainers(c.Request.Context(), all)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": containers})
}

func (api *apiServer) dockerStartContainer(c *gin.Context) {
	if api.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker passthrough not available"})
		return
	}
	if err := api.docker.StartContainer(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (api *apiServer) dockerStopContainer(c *gin.Context) {
	if api.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker passthrough not available"})
		return
	}
	if err := api.docker.StopContainer(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
