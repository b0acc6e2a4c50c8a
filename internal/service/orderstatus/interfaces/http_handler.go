package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/service/orderstatus/domain"
)

// OrderStatusManager 是 HTTP 层需要的应用服务能力
type OrderStatusManager interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) (*domain.Order, error)
	GetOrdersByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error)
}

// PaidOrderProducer 向入站主题投递测试订单
type PaidOrderProducer interface {
	Produce(ctx context.Context, event *domain.PaidOrderEvent) error
}

// OrderHandler 封装了订单状态服务的 HTTP 处理器
type OrderHandler struct {
	service  OrderStatusManager
	producer PaidOrderProducer
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例。producer 为 nil 时不注册测试投递接口。
func NewOrderHandler(service OrderStatusManager, producer PaidOrderProducer) *OrderHandler {
	return &OrderHandler{service: service, producer: producer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /orders/{id}", h.getOrderHandler)
	mux.HandleFunc("PUT /orders/{id}/status", h.updateStatusHandler)
	mux.HandleFunc("GET /orders", h.listByStatusHandler)
	mux.HandleFunc("GET /orders/status", h.legacyListByStatusHandler) // 旧客户端使用的路径
	if h.producer != nil {
		mux.HandleFunc("POST /producer/order", h.produceOrderHandler)
	}
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type produceOrderRequest struct {
	Details json.RawMessage `json:"details"`
}

func (h *OrderHandler) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	order, err := h.service.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) updateStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	order, err := h.service.UpdateStatus(ctx, r.PathValue("id"), status)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) listByStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.listByStatus(w, r, false)
}

// legacyListByStatusHandler 与旧接口保持一致：没有匹配的订单时返回 204 且不带 body
func (h *OrderHandler) legacyListByStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.listByStatus(w, r, true)
}

func (h *OrderHandler) listByStatus(w http.ResponseWriter, r *http.Request, noContentWhenEmpty bool) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	status, err := domain.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	orders, err := h.service.GetOrdersByStatus(ctx, status)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if noContentWhenEmpty && len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) produceOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req produceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	event := &domain.PaidOrderEvent{
		ID:      domain.OrderID(uuid.New().String()),
		Status:  domain.InitialStatus.String(),
		Details: req.Details,
	}
	if err := h.producer.Produce(ctx, event); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, domain.Order{ID: string(event.ID), Status: domain.InitialStatus, Details: event.Details})
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStatus):
		statusCode = http.StatusBadRequest
	case errors.Is(err, domain.ErrTransitionNotAllowed):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
		logger.Ctx(ctx).Error().Err(err).Msg("Unhandled error in order handler")
	}
	http.Error(w, err.Error(), statusCode)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
