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
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	grpchealth "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/logger"
	"chat-realtime/internal/messaging"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/ratelimit"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/services"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		logger.Fatal("failed to init logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	chatRepo := repositories.NewChatRepo(database)
	memberRepo := repositories.NewMemberRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, observability.RoutingAuditLogs, cfg.ServiceName, cfg.Environment)

	verifier, err := auth.NewJWTVerifier(auth.Options{
		Secret: []byte(cfg.JWTSecret),
		Alg:    cfg.JWTAlg,
		Issuer: cfg.JWTIssuer,
	}, userRepo)
	if err != nil {
		logger.Fatal("failed to build token verifier", zap.Error(err))
	}

	registry := presence.NewRegistry()
	hub := ws.NewHub(registry)

	var fanout services.Fanout = hub
	if cfg.NATSURL != "" {
		nf, err := messaging.Connect(messaging.Config{URL: cfg.NATSURL, Name: cfg.ServiceName}, hub)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer nf.Close()
		fanout = nf
		logger.Info("cross-node fan-out enabled", zap.String("subject", messaging.SubjectFanout))
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		defer limiter.Close()
	}

	membership := services.NewMembership(memberRepo, audit)
	pipeline := services.NewPipeline(membership, messageRepo, fanout)
	signals := services.NewSignals(membership, fanout)

	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, userRepo, membership, pipeline, signals, audit)
	socket := ws.NewHandler(hub, verifier, membership, pipeline, signals, limiter, ws.Options{
		PingInterval: cfg.WSPingInterval,
		PongTimeout:  cfg.WSPongTimeout,
		SendRule:     ratelimit.SendRule(cfg.SendRateLimit, cfg.SendRateWindow),
	})
	ws.StartHeartbeat(ctx, hub, registry, cfg.WSPingInterval, cfg.PresenceTimeout)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Count()})
	})
	router.GET("/metrics", observability.Handler())
	router.GET("/ws", socket.Handle)

	authMiddleware := middleware.AuthMiddleware(verifier)
	chats := router.Group("/chats", authMiddleware)
	chats.GET("", chatHandler.ListChats)
	chats.POST("/direct", chatHandler.StartDirectChat)
	chats.POST("/group", chatHandler.CreateGroupChat)
	chats.GET("/:chat_id", chatHandler.GetChat)
	chats.GET("/:chat_id/messages", chatHandler.GetChatMessages)
	chats.POST("/:chat_id/messages", chatHandler.PostChatMessage)
	chats.POST("/:chat_id/read", chatHandler.MarkRead)

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	healthServer := grpchealth.NewHealthServer(database, cfg.ServiceName)
	healthServer.Watch(ctx, 10*time.Second)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen grpc", zap.Error(err))
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	healthServer.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", zap.Error(err))
	}
}
