package model

import (
	"errors"
	"fmt"
	"time"
)

// 错误分类：
//   - ErrTransientNetwork / ErrRateLimit 在组件内部按退避重试
//   - ErrValidation 跳过当前订单，循环继续
//   - ErrRiskLimitBreach 是会话级终止条件，需显式重置
//   - ErrDataGap 触发回补，该交易对在窗口重新预热前不评估
//   - ErrExecutionFailure 订单已本地标记 REJECTED，不再重试
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrRateLimit        = errors.New("rate limited")
	ErrValidation       = errors.New("validation error")
	ErrRiskLimitBreach  = errors.New("risk limit breach")
	ErrDataGap          = errors.New("data gap")
	ErrExecutionFailure = errors.New("execution failure")
	ErrExchangeBusy     = errors.New("exchange busy")
)

// RateLimitError 携带交易所指定的等待时间
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// RiskRejection 说明风控拒单的具体原因
type RiskRejection struct {
	Symbol string
	Reason string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected %s: %s", e.Symbol, e.Reason)
}

func (e *RiskRejection) Unwrap() error { return ErrRiskLimitBreach }

// IsRetryable 报告错误是否应在本地按退避重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrRateLimit)
}
