package handlers

import (
	"github.com/gocomet/courier-dispatch/internal/service/lifecycle"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/gocomet/courier-dispatch/pkg/websocket"
)

// Config holds handler configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// Handlers holds all handler dependencies
type Handlers struct {
	Service *lifecycle.Service
	Hub     *websocket.Hub
	Logger  *logger.Logger
	Config  Config
}

// NewHandlers creates a new Handlers instance
func NewHandlers(service *lifecycle.Service, hub *websocket.Hub, logger *logger.Logger, cfg Config) *Handlers {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	return &Handlers{
		Service: service,
		Hub:     hub,
		Logger:  logger,
		Config:  cfg,
	}
}
