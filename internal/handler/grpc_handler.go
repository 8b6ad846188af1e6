// Package handler gRPC 服务处理器
package handler

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Njuhobby/0xElite/internal/service"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// ServicePrefix 每个监听器在 gRPC health 中的服务名前缀
const ServicePrefix = "elite-chain.listener."

// HealthHandler 把监听器健康状态映射到标准 gRPC health 服务.
// 整体服务 ("") 只有全部监听器健康时才是 SERVING.
type HealthHandler struct {
	server *health.Server

	mu        sync.Mutex
	listeners map[string]bool
}

// NewHealthHandler 创建处理器, 注册前所有状态为 NOT_SERVING
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{
		server:    health.NewServer(),
		listeners: make(map[string]bool),
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register 注册到 gRPC server
func (h *HealthHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server 底层 health server
func (h *HealthHandler) Server() healthpb.HealthServer {
	return h.server
}

// Update 更新一个监听器的健康状态
func (h *HealthHandler) Update(status service.ListenerHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, known := h.listeners[status.Listener]
	h.listeners[status.Listener] = status.Healthy
	h.server.SetServingStatus(ServicePrefix+status.Listener, servingStatus(status.Healthy))

	if known && prev != status.Healthy {
		logger.Info("listener health changed",
			zap.String("listener", status.Listener),
			zap.Bool("healthy", status.Healthy),
			zap.Uint64("lag", status.Lag))
	}

	overall := true
	for _, ok := range h.listeners {
		overall = overall && ok
	}
	h.server.SetServingStatus("", servingStatus(overall))
}

// Listeners 已注册的监听器
func (h *HealthHandler) Listeners() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.listeners))
	for id := range h.listeners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown 停服时所有状态置为 NOT_SERVING
func (h *HealthHandler) Shutdown() {
	h.server.Shutdown()
}

func servingStatus(healthy bool) healthpb.HealthCheckResponse_ServingStatus {
	if healthy {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
