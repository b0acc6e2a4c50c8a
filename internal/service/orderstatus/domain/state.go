// internal/service/orderstatus/domain/state.go
package domain

import (
	"fmt"
	"strings"
)

// Status 定义了订单在生产流水线中的生命周期状态
type Status string

const (
	StatusReceived      Status = "RECEIVED"       // 已支付的订单刚进入流水线
	StatusInPreparation Status = "IN_PREPARATION" // 制作中
	StatusReady         Status = "READY"          // 制作完成，等待取餐/发货
	StatusCompleted     Status = "COMPLETED"      // 已完成
)

// InitialStatus 是订单被 ingest 时缺省的状态
const InitialStatus = StatusReceived

// AllStatuses 按生命周期顺序列出全部状态
var AllStatuses = []Status{StatusReceived, StatusInPreparation, StatusReady, StatusCompleted}

// 历史上存在两套词汇表 (葡语 / 英语)，入站时统一映射到英语的规范值
var statusAliases = map[string]Status{
	"RECEIVED":       StatusReceived,
	"RECEBIDO":       StatusReceived,
	"IN_PREPARATION": StatusInPreparation,
	"EM_PREPARACAO":  StatusInPreparation,
	"READY":          StatusReady,
	"PRONTO":         StatusReady,
	"COMPLETED":      StatusCompleted,
	"FINALIZADO":     StatusCompleted,
	"CONCLUIDO":      StatusCompleted,
}

// ParseStatus 把外部传入的状态字符串解析为规范状态。
// 大小写不敏感，'-' 和空格等同于 '_'，例如 "in-preparation" -> IN_PREPARATION。
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	if s, ok := statusAliases[normalized]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// IsValid 判断是否是规范状态集合中的一员
func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
