package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shopassist/internal/api"
	"shopassist/internal/auth"
	"shopassist/internal/config"
	"shopassist/internal/redis"
	"shopassist/internal/service/ai"
	"shopassist/internal/storage"
	"shopassist/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var withRedis bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx, withRedis)
		},
	}
	cmd.Flags().BoolVar(&withRedis, "redis", false, "mirror finished responses to redis so other instances can replay them")
	return cmd
}

func (a *app) runServe(ctx context.Context, withRedis bool) error {
	cfg, log := a.cfg, a.log

	backend, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	var rdb *redis.Client
	if withRedis {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	provider := cfg.Server.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return fmt.Errorf("provider %q is not configured", provider)
	}
	chatModel, err := ai.NewChatModel(ctx, provider, provCfg)
	if err != nil {
		return err
	}
	svc, err := ai.NewService(ctx, chatModel, ai.InitToolsChain(log), cfg.Server.SystemPrompt, log)
	if err != nil {
		return err
	}

	authService := auth.NewService(backend, cfg.Server.TokenTTL, cfg.Server.StaticTokens...)
	if len(cfg.Server.StaticTokens) == 0 {
		token, err := authService.IssueToken(ctx, "dev")
		if err != nil {
			return fmt.Errorf("issue development token: %w", err)
		}
		fmt.Fprintf(a.out, "development token (valid %s): %s\n", authService.TokenTTL(), token)
		fmt.Fprintf(a.out, "  export %s_CLIENT_AUTH_TOKEN=%s\n", config.EnvPrefix, token)
	}

	hub := worker.NewHub(cfg.Server.RunRetention, rdb, log)
	hub.StartCleaner(ctx, cfg.Server.CleanInterval, func() {
		if n := ai.PruneToolLimits(); n > 0 {
			log.Debug().Int("pruned", n).Msg("idle tool limits removed")
		}
	})

	handler := api.NewHandler(svc, svc.Tools(), authService, hub, api.Options{
		FileBaseDir:    cfg.Server.FileBaseDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		StreamTimeout:  cfg.Server.StreamTimeout,
		ToolCacheTTL:   cfg.Server.ToolCacheTTL,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, log)

	handler.StartUploadCleaner(ctx, cfg.Server.UploadTTL, cfg.Server.CleanInterval)

	if !debugEnabled(cfg) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("provider", provider).Int("tools", len(svc.Tools())).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
