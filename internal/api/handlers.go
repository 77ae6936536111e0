package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shopassist/internal/auth"
	"shopassist/internal/models"
	"shopassist/internal/service/ai"
	"shopassist/internal/transport"
	"shopassist/internal/worker"
)

// Generator produces an assistant response for a conversation.
type Generator interface {
	StreamChat(ctx context.Context, history []models.Message, emit ai.Emitter) error
}

// Options tunes the handler; zero values take the defaults.
type Options struct {
	FileBaseDir    string
	MaxUploadBytes int64
	StreamTimeout  time.Duration
	ToolCacheTTL   time.Duration
	RateLimit      float64
	RateBurst      int
}

const (
	defaultStreamTimeout = 2 * time.Minute
	defaultToolCacheTTL  = time.Minute
	maxUploadBytes       = 10 << 20 // 10 MB
)

// Handler serves the assistant backend: the streaming chat endpoint, stream
// resumption, the tool catalog and image uploads.
type Handler struct {
	gen     Generator
	auth    *auth.Service
	hub     *worker.Hub
	tools   *toolCatalog
	limiter *RateLimiter
	opts    Options
	log     zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(gen Generator, tools []tool.BaseTool, authService *auth.Service, hub *worker.Hub, opts Options, log zerolog.Logger) *Handler {
	if opts.FileBaseDir == "" {
		opts.FileBaseDir = "./data/uploads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = maxUploadBytes
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	if opts.ToolCacheTTL <= 0 {
		opts.ToolCacheTTL = defaultToolCacheTTL
	}
	return &Handler{
		gen:     gen,
		auth:    authService,
		hub:     hub,
		tools:   newToolCatalog(tools, opts.ToolCacheTTL),
		limiter: NewRateLimiter(opts.RateLimit, opts.RateBurst),
		opts:    opts,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.Static("/uploads", h.opts.FileBaseDir)

	api := router.Group("/api")
	api.Use(h.auth.Middleware(), h.limiter.Middleware())
	api.POST("/chat", h.chat)
	api.GET("/chat/:id/stream", h.resume)
	api.DELETE("/chat/:id/stream", h.cancel)
	api.GET("/tools", h.listTools)
	api.POST("/uploads", h.upload)
}

func (h *Handler) chat(c *gin.Context) {
	var req transport.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	history := models.Outgoing(req.Messages)
	if models.LastUserIndex(history) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must include a user message"})
		return
	}
	if req.Trigger == "" {
		req.Trigger = transport.TriggerSubmit
	}

	// Generation outlives the request so a client that drops can resume.
	genCtx, cancel := context.WithTimeout(context.Background(), h.opts.StreamTimeout)
	run, err := h.hub.Start(req.ID, cancel)
	if err != nil {
		cancel()
		if errors.Is(err, worker.ErrStreamActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.log.Info().Str("chat_id", req.ID).Str("trigger", string(req.Trigger)).Int("messages", len(history)).Msg("chat request")

	go h.generate(genCtx, run, history)
	h.streamRun(c, run)
}

// generate drives the model and records everything into run.
func (h *Handler) generate(ctx context.Context, run *worker.Run, history []models.Message) {
	defer h.hub.Finish(run)
	em := &runEmitter{run: run}
	if err := em.send(transport.EventAck, transport.AckPayload{MessageID: uuid.NewString()}); err != nil {
		h.log.Error().Err(err).Msg("encode ack")
		return
	}
	err := h.gen.StreamChat(ai.WithToolSession(ctx, run.ChatID()), history, em)
	if err != nil {
		h.log.Warn().Err(err).Str("chat_id", run.ChatID()).Msg("generation failed")
		_ = em.send(transport.EventError, failurePayload(err))
		return
	}
	_ = em.send(transport.EventDone, "[DONE]")
}

// failurePayload describes a generation error for the client. Only failures
// known to have broken the stream carry a code; anything else goes out as
// plain text for the client to classify.
func failurePayload(err error) transport.ErrorPayload {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transport.ErrorPayload{Code: transport.CodeStream, Message: "stream processing timed out"}
	case errors.Is(err, context.Canceled):
		return cancelledPayload
	case errors.Is(err, ai.ErrModelStream):
		return transport.ErrorPayload{Code: transport.CodeStream, Message: err.Error()}
	}
	return transport.ErrorPayload{Message: err.Error()}
}

var cancelledPayload = transport.ErrorPayload{Code: transport.CodeStream, Message: "stream processing cancelled"}

// streamRun writes run to the client as SSE, replaying from the start.
func (h *Handler) streamRun(c *gin.Context, run *worker.Run) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	err := run.Follow(c.Request.Context(), func(ev worker.Event) error {
		c.SSEvent(ev.Name, ev.Data)
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		h.log.Debug().Err(err).Str("chat_id", run.ChatID()).Msg("client left stream")
	}
}

func (h *Handler) resume(c *gin.Context) {
	run, ok := h.hub.Lookup(c.Request.Context(), c.Param("id"))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	h.log.Info().Str("chat_id", run.ChatID()).Bool("finished", run.Done()).Msg("resuming stream")
	h.streamRun(c, run)
}

func (h *Handler) cancel(c *gin.Context) {
	final, err := worker.NewEvent(transport.EventError, cancelledPayload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !h.hub.Abort(c.Param("id"), final) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream"})
		return
	}
	c.Status(http.StatusNoContent)
}

type runEmitter struct {
	run *worker.Run
}

func (e *runEmitter) send(name string, payload any) error {
	ev, err := worker.NewEvent(name, payload)
	if err != nil {
		return err
	}
	e.run.Append(ev)
	return nil
}

func (e *runEmitter) Text(delta string) error {
	return e.send(transport.EventStream, transport.StreamPayload{Content: delta})
}

func (e *runEmitter) Part(p models.Part) error {
	return e.send(transport.EventPart, p)
}
