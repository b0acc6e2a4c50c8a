package domain

import "errors"

var (
	// ErrOrderNotFound 表示 store 中没有该订单 (从未 ingest 或已过期)，属于调用方错误，不重试。
	ErrOrderNotFound = errors.New("order not found")
	// ErrStoreUnavailable 表示缓存调用失败，是否重试由调用方 / 基础设施决定。
	ErrStoreUnavailable = errors.New("order store unavailable")
	// ErrPublishFailed 表示状态已写入，但通知未能发出。
	ErrPublishFailed = errors.New("status notification publish failed")
	// ErrMalformedEvent 表示入站消息无法解码或缺少必填字段。
	ErrMalformedEvent = errors.New("malformed inbound order event")
	ErrInvalidStatus  = errors.New("invalid order status")
	// ErrCorruptRecord 表示 key 下的值无法解析成订单 (非 JSON 或不是字符串类型)。
	ErrCorruptRecord = errors.New("corrupt order record")
	// ErrTransitionNotAllowed 只有在配置了状态流转策略时才会出现。
	ErrTransitionNotAllowed = errors.New("order status transition not allowed")
)
