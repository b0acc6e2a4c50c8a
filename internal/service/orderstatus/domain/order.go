// internal/service/orderstatus/domain/order.go
package domain

import (
	"encoding/json"
	"time"
)

// OrderKeyPrefix 是 store 中所有订单 key 的命名空间
const OrderKeyPrefix = "order:"

// RecordTTL 是订单记录在 ingest 时设置的存活时间，后续状态更新不会刷新它
const RecordTTL = 30 * time.Minute

// Order 是被跟踪的订单。Details 由上游提供，这里原样透传，从不解析。
type Order struct {
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}

// OrderKey 根据订单 ID 推导出 store key
func OrderKey(id string) string {
	return OrderKeyPrefix + id
}

// EnsureStatus 在订单没有状态时设置为初始状态
func (o *Order) EnsureStatus() {
	if o.Status == "" {
		o.Status = InitialStatus
	}
}

// ChangeStatus 修改状态并返回修改前的状态。
// 这里只记录流转，不校验合法性 (合法性由可插拔的 TransitionPolicy 负责)。
func (o *Order) ChangeStatus(next Status) Status {
	prev := o.Status
	o.Status = next
	return prev
}
