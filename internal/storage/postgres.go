package storage

import (
	"time"

	"spot-auto-trader/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OrderRecord 是订单的持久化形态，实体间只通过 ID 关联
type OrderRecord struct {
	ID              uint   `gorm:"primaryKey"`
	ClientOrderID   string `gorm:"uniqueIndex"`
	ExchangeOrderID string `gorm:"index"`
	Symbol          string `gorm:"index"`
	Side            string
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	Status          string `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FillRecord 通过 ClientOrderID 关联订单，不持有对象指针
type FillRecord struct {
	ID            uint   `gorm:"primaryKey"`
	FillID        string `gorm:"uniqueIndex"`
	ClientOrderID string `gorm:"index"`
	Symbol        string `gorm:"index"`
	Side          string
	Price         float64
	Quantity      float64
	Fee           float64
	ExecutedAt    time.Time
}

// PositionRecord 是持仓快照，按交易对唯一
type PositionRecord struct {
	ID            uint   `gorm:"primaryKey"`
	Symbol        string `gorm:"uniqueIndex"`
	Quantity      float64
	AvgEntryPrice float64
	UpdatedAt     time.Time
}

// Postgres 用 gorm 实现 Store 契约
type Postgres struct {
	db *gorm.DB
}

// NewPostgres 建立连接并迁移表结构
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRecord{}, &FillRecord{}, &PositionRecord{}); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// SaveOrder 以 ClientOrderID 为键 upsert 订单
func (s *Postgres) SaveOrder(order model.Order) error {
	rec := OrderRecord{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          order.Symbol,
		Side:            string(order.Side),
		Price:           order.Price,
		Quantity:        order.Quantity,
		FilledQuantity:  order.FilledQuantity,
		Status:          string(order.Status),
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	var existing OrderRecord
	err := s.db.Where("client_order_id = ?", order.ClientOrderID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	return s.db.Save(&rec).Error
}

// SaveFill 写入成交回报，FillID 冲突视为重复推送忽略
func (s *Postgres) SaveFill(fill model.Fill) error {
	rec := FillRecord{
		FillID:        fill.FillID,
		ClientOrderID: fill.ClientOrderID,
		Symbol:        fill.Symbol,
		Side:          string(fill.Side),
		Price:         fill.Price,
		Quantity:      fill.Quantity,
		Fee:           fill.Fee,
		ExecutedAt:    fill.Timestamp,
	}
	err := s.db.Create(&rec).Error
	if err != nil && s.db.Where("fill_id = ?", fill.FillID).First(&FillRecord{}).Error == nil {
		return nil
	}
	return err
}

// LoadOpenOrders 返回全部非终态订单，启动对账使用
func (s *Postgres) LoadOpenOrders() ([]model.Order, error) {
	var recs []OrderRecord
	terminal := []string{
		string(model.OrderFilled),
		string(model.OrderCancelled),
		string(model.OrderRejected),
	}
	if err := s.db.Where("status NOT IN ?", terminal).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.Order{
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: r.ExchangeOrderID,
			Symbol:          r.Symbol,
			Side:            model.Side(r.Side),
			Price:           r.Price,
			Quantity:        r.Quantity,
			FilledQuantity:  r.FilledQuantity,
			Status:          model.OrderStatus(r.Status),
			CreatedAt:       r.CreatedAt,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	return out, nil
}

// LoadPositions 返回按交易对索引的持仓快照
func (s *Postgres) LoadPositions() (map[string]model.Position, error) {
	var recs []PositionRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]model.Position, len(recs))
	for _, r := range recs {
		out[r.Symbol] = model.Position{
			Symbol:        r.Symbol,
			Quantity:      r.Quantity,
			AvgEntryPrice: r.AvgEntryPrice,
		}
	}
	return out, nil
}
