// internal/service/orderstatus/domain/event.go
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OrderID 是订单标识。上游有的发字符串 UUID，有的发整数，统一成字符串。
type OrderID string

func (id *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order id must be a string or a number, got %s", data)
	}
	*id = OrderID(n.String())
	return nil
}

// PaidOrderEvent 是 "新的已支付订单" 主题上的消息体
type PaidOrderEvent struct {
	ID       OrderID         `json:"id,omitempty" validate:"required_without=LegacyID,max=128"`
	LegacyID OrderID         `json:"orderId,omitempty" validate:"required_without=ID,max=128"`
	Status   string          `json:"status,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// OrderIdentifier 优先使用 id，其次是旧字段 orderId
func (e *PaidOrderEvent) OrderIdentifier() string {
	if e.ID != "" {
		return string(e.ID)
	}
	return string(e.LegacyID)
}

// ToOrder 把入站事件转换为领域对象。状态缺省时保持为空，由 Ingest 补齐。
func (e *PaidOrderEvent) ToOrder() (*Order, error) {
	order := &Order{
		ID:      e.OrderIdentifier(),
		Details: e.Details,
	}
	if e.Status != "" {
		status, err := ParseStatus(e.Status)
		if err != nil {
			return nil, err
		}
		order.Status = status
	}
	return order, nil
}

// OrderStatusUpdated 是每次状态更新成功后发往下游的通知
type OrderStatusUpdated struct {
	EventID        string    `json:"eventId"`
	OrderID        string    `json:"id"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}
