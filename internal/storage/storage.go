// Package storage 是持久化协作方：只在启动对账和订单终态时被调用，
// 核心的内存正确性不依赖它。
package storage

import (
	"spot-auto-trader/internal/model"
)

// Store 定义了核心消费的持久化契约
type Store interface {
	SaveOrder(order model.Order) error
	SaveFill(fill model.Fill) error
	LoadOpenOrders() ([]model.Order, error)
	LoadPositions() (map[string]model.Position, error)
}

// Noop 在 paper 模式与测试中替代真实存储
type Noop struct{}

func (Noop) SaveOrder(model.Order) error { return nil }

func (Noop) SaveFill(model.Fill) error { return nil }

func (Noop) LoadOpenOrders() ([]model.Order, error) { return nil, nil }

func (Noop) LoadPositions() (map[string]model.Position, error) {
	return map[string]model.Position{}, nil
}
