package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/directory"
	grpcserver "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/logging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/relay"
	"messaging-service/internal/repositories"
	"messaging-service/internal/services"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

const serviceName = "messaging-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Endpoint, serviceName, cfg.Environment)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)), zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	observability.SetPublisher(publisher)
	auditEmitter := telemetry.NewAuditEmitter(publisher, "audit.messaging", serviceName, cfg.Environment, logger)

	users, err := directory.NewCache(cfg.Directory.Size)
	if err != nil {
		return err
	}
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	hub := ws.NewHub(logger.Named("hub"))
	registry := presence.NewRegistry(hub.AnnouncePresence)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	conversations := services.NewConversationService(conversationRepo, hub, logger)
	messages := services.NewMessageService(messageRepo, conversations, hub, users, publisher, logger)

	gateway := ws.NewGateway(hub, registry, verifier, users, conversations, messages, ws.GatewayOptions{
		SendBuffer: cfg.WebSocket.SendBuffer,
		RateRPS:    cfg.WebSocket.RateRPS,
		RateBurst:  cfg.WebSocket.RateBurst,
	}, logger.Named("gateway"))

	conversationHandler := handlers.NewConversationHandler(conversations, auditEmitter)
	messageHandler := handlers.NewMessageHandler(messages, auditEmitter)
	presenceHandler := handlers.NewPresenceHandler(registry)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(observability.RequestLogger(logger.Named("http")))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.Handle)
	handlers.RegisterDebugRoutes(router, auditEmitter, registry, cfg.DebugRoutes)

	api := router.Group("/", middleware.AuthMiddleware(verifier, users))
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations/direct", conversationHandler.CreateDirect)
	api.POST("/conversations/group", conversationHandler.CreateGroup)
	api.GET("/conversations/:id", conversationHandler.GetConversation)
	api.POST("/conversations/:id/participants", conversationHandler.AddParticipants)
	api.POST("/conversations/:id/leave", conversationHandler.Leave)
	api.POST("/conversations/:id/mute", conversationHandler.ToggleMute)
	api.POST("/conversations/:id/read", messageHandler.MarkRead)
	api.GET("/conversations/:id/messages", messageHandler.History)
	api.POST("/conversations/:id/messages", messageHandler.Send)
	api.POST("/direct/:user_id/messages", messageHandler.SendDirect)
	api.PATCH("/messages/:id", messageHandler.Edit)
	api.DELETE("/messages/:id", messageHandler.Delete)
	api.GET("/messages/:id/reactions", messageHandler.Reactions)
	api.POST("/messages/:id/reactions", messageHandler.React)
	api.DELETE("/messages/:id/reactions/:emoji", messageHandler.Unreact)
	api.GET("/messages/:id/receipts", messageHandler.Receipts)
	api.GET("/presence/online", presenceHandler.Online)
	api.GET("/presence/:user_id", presenceHandler.User)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	grpcSrv := grpcserver.NewServer()
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		redisRelay := relay.NewRedisRelay(client, cfg.Redis.Channel, logger.Named("relay"))
		hub.StartRelay(gctx, redisRelay)
		g.Go(func() error {
			return redisRelay.Run(gctx, hub.DeliverRemote)
		})
		logger.Info("cross-node relay enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", grpcListener.Addr().String()))
		grpcSrv.SetServing(true)
		return grpcSrv.Serve(grpcListener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		grpcSrv.Stop()
		gateway.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
