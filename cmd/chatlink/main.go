package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/config"
	"github.com/tullo/chatlink/internal/auth"
	"github.com/tullo/chatlink/internal/cache"
	"github.com/tullo/chatlink/internal/chat"
	"github.com/tullo/chatlink/internal/httpapi"
	"github.com/tullo/chatlink/internal/logger"
	"github.com/tullo/chatlink/internal/middleware"
	"github.com/tullo/chatlink/internal/models"
	"github.com/tullo/chatlink/internal/upload"
)

func main() {
	roomID := flag.String("room", "", "room to join")
	token := flag.String("token", os.Getenv("CHATLINK_TOKEN"), "bearer token (default $CHATLINK_TOKEN)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if *token == "" {
		logger.Fatal("no token: pass -token or set CHATLINK_TOKEN")
	}
	if err := auth.CheckExpiry(*token, time.Now()); err != nil {
		logger.Fatal("token unusable", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []chat.Option{chat.WithLogger(logger)}

	// Connect to Redis
	var redis *cache.RedisClient
	if cfg.RedisEnabled() {
		redis, err = cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("failed to connect to Redis, dedup window is local only", zap.Error(err))
			redis = nil
		} else {
			defer redis.Close()
			opts = append(opts, chat.WithDedupStore(redis))
		}
	}

	client := chat.New(cfg, auth.NewStaticSource(*token, nil), opts...)
	defer client.Disconnect()

	if cfg.Status.Addr != "" {
		srv := statusServer(ctx, cfg, client, redis, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := client.Connect(ctx); err != nil {
		if connectIsFatal(err) {
			logger.Fatal("failed to connect", zap.String("url", cfg.Broker.URL), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("broker unavailable, sends are queued until reconnect", zap.String("url", cfg.Broker.URL), zap.Error(err))
	}

	if *roomID == "" {
		logger.Info("no room given; serving status API only")
		<-ctx.Done()
		return
	}

	msgs, err := client.JoinRoom(*roomID)
	if err != nil {
		logger.Fatal("failed to join room", zap.Error(err))
	}
	client.SetActiveRoom(*roomID)

	go func() {
		for msg := range msgs {
			printMessage(msg)
		}
	}()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, client, *roomID, line, logger)
		}
	}
}

// connectIsFatal reports whether a failed first connect should end the
// process. Transport failures keep reconnecting in the background.
func connectIsFatal(err error) bool {
	return errors.Is(err, models.ErrAuth)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return logger.New(cfg.Log.Level, cfg.Log.Env)
}

func statusServer(ctx context.Context, cfg *config.Config, client *chat.Client, redis *cache.RedisClient, logger *zap.Logger) *http.Server {
	local := middleware.NewRateLimiter(5)
	local.Cleanup(ctx, 5*time.Minute)

	var limiter middleware.Limiter = local
	if redis != nil {
		limiter = middleware.NewSharedLimiter(redis, 5, local, logger)
	}

	srv := &http.Server{
		Addr:    cfg.Status.Addr,
		Handler: httpapi.NewRouter(httpapi.NewHandler(client, logger), limiter),
	}
	go func() {
		logger.Info("status API listening", zap.String("addr", cfg.Status.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API stopped", zap.Error(err))
		}
	}()
	return srv
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleLine(ctx context.Context, client *chat.Client, roomID, line string, logger *zap.Logger) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if path, ok := strings.CutPrefix(line, "/upload "); ok {
		src, err := upload.NewFileSource(strings.TrimSpace(path))
		if err != nil {
			logger.Warn("cannot upload", zap.Error(err))
			return
		}
		_, err = client.SendFile(ctx, roomID, src, upload.Callbacks{
			OnProgress: func(u models.ChunkedUpload, fraction float64) {
				logger.Info("upload progress", zap.String("file", u.FileName), zap.Float64("fraction", fraction))
			},
			OnComplete: func(u models.ChunkedUpload, url string) {
				logger.Info("upload complete", zap.String("file", u.FileName), zap.String("url", url))
			},
			OnError: func(u models.ChunkedUpload, err error) {
				logger.Warn("upload failed", zap.String("file", u.FileName), zap.String("upload_id", u.UploadID), zap.Error(err))
			},
		})
		if err != nil {
			logger.Warn("upload rejected", zap.Error(err))
		}
		return
	}

	err := client.SendMessage(ctx, roomID, line, "TEXT")
	switch {
	case err == nil:
	case errors.Is(err, models.ErrQueued):
		logger.Info("offline, message queued")
	default:
		logger.Warn("send failed", zap.Error(err))
	}
}

func printMessage(msg models.InboundMessage) {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	switch msg.Kind {
	case models.KindText, models.KindSystem:
		log.Printf("[%s] %s: %s", ts, msg.AuthorID, msg.Text)
	case models.KindUnknown:
		log.Printf("[%s] %s: <unrecognized message>", ts, msg.AuthorID)
	default:
		log.Printf("[%s] %s: %s %s", ts, msg.AuthorID, msg.Kind, msg.URL)
	}
}
