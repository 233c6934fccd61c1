package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/middlewares"
	"bitbucket.org/mmdatafocus/promo_sync/models"
	"bitbucket.org/mmdatafocus/promo_sync/promosync"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	settings, err := config.Load()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}
	if err := config.ConfigureLogger(settings); err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}
	if err := config.InitDirectories(settings); err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Set once startup has finished; API routes answer 503 until then.
	var ready atomic.Pointer[promosync.Service]

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) {
		if settings.Redis.Enabled() && config.GetRedisDB() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis not ready"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/promotions", middlewares.AuthMiddleware(settings.APISecret))
	api.POST("/sync", withService(&ready, promosync.TriggerSyncHandler))
	api.POST("/export", withService(&ready, promosync.TriggerExportHandler))
	api.GET("/runs", withService(&ready, promosync.SyncHistoryHandler))
	api.GET("/runs/:id", withService(&ready, promosync.SyncRunDetailHandler))

	// Pub/Sub push endpoint for queued jobs.
	r.POST("/pubsub/promo-sync", withService(&ready, func(svc *promosync.Service) gin.HandlerFunc {
		return promosync.PubSubPushHandler(svc, logger)
	}))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabaseWithRetry(sigCtx, settings.DB, 0); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Error(err)
	}
	defer config.CloseDB()
	if err := config.ConnectRedisWithRetry(sigCtx, settings.Redis, 0); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Error(err)
	}
	defer config.CloseRedis()
	defer config.ClosePubSub()

	if db := config.GetDB(); db != nil {
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := models.MigrateTable(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Error(err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
	}

	if sigCtx.Err() == nil {
		components, err := promosync.Bootstrap(sigCtx, settings, logger, promosync.BootstrapOptions{Queue: true})
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "bootstrap"}).Error(err)
		} else {
			defer components.Close()
			ready.Store(components.Service)
			logger.WithFields(logrus.Fields{"port": settings.Port}).Info("promo sync service ready")
		}
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func withService(ready *atomic.Pointer[promosync.Service], handler func(*promosync.Service) gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := ready.Load()
		if svc == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
			return
		}
		handler(svc)(c)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
