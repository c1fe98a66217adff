// Package server exposes the relay over HTTP: the subscriber websocket, the
// message read API and operational endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psky-social/relay/internal/hub"
	"github.com/psky-social/relay/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingHub           = errors.New("hub dependency required")
	errMissingMessageLister = errors.New("message lister dependency required")
)

// Subscriber registers websocket connections with the broadcast hub.
type Subscriber interface {
	Subscribe(ctx context.Context, address string, rooms []string) (hub.Subscription, func())
}

// MessageLister serves the read API.
type MessageLister interface {
	ListMessages(ctx context.Context, query store.MessageQuery) ([]store.MessageView, error)
}

type Dependencies struct {
	Hub      Subscriber
	Messages MessageLister
	// RateLimitPerMinute bounds requests per client address. Zero disables limiting.
	RateLimitPerMinute int
	// RateLimitExempt lists addresses that are never limited.
	RateLimitExempt []string
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Messages == nil {
		return nil, errMissingMessageLister
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		hub:      deps.Hub,
		messages: deps.Messages,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := router.Group("/")
	if deps.RateLimitPerMinute > 0 {
		limiter := NewRateLimiter(deps.RateLimitPerMinute, time.Minute, deps.RateLimitExempt...)
		limited.Use(limiter.Middleware())
	}
	limited.GET("/subscribe", handler.handleSubscribe)
	limited.GET("/xrpc/social.psky.chat.getMessages", handler.handleGetMessages)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	hub      Subscriber
	messages MessageLister
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
