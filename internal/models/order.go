package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order mirrors one row of the upstream order list. Re-ingesting an order_id
// overwrites the row.
type Order struct {
	OrderID         int64           `gorm:"primaryKey;autoIncrement:false;comment:上游订单ID"`
	CreateAt        int64           `gorm:"not null;index:idx_orders_create_at;comment:上游创建时间(unix秒)"`
	CreatedDate     string          `gorm:"type:varchar(10);not null;index:idx_orders_created_date;comment:创建日期(保留窗口)"`
	OrderSN         string          `gorm:"type:varchar(64);index:idx_orders_order_sn;comment:订单号"`
	OtherOrderSN    string          `gorm:"type:varchar(64);comment:第三方订单号"`
	UserID          int64           `gorm:"comment:下单用户ID"`
	UserName        string          `gorm:"type:varchar(128);comment:下单用户"`
	GoodsID         int64           `gorm:"comment:商品ID"`
	GoodsName       string          `gorm:"type:text;comment:商品名称"`
	OrderStatus     int             `gorm:"comment:订单状态码"`
	OrderStatusText string          `gorm:"type:varchar(64);comment:订单状态文本"`
	OrderAmount     decimal.Decimal `gorm:"type:numeric(20,4);comment:订单金额"`
	Price           decimal.Decimal `gorm:"type:numeric(20,4);comment:单价"`
	ChannelID       int64           `gorm:"not null;default:0;index:idx_orders_channel_id;comment:第三方渠道ID"`
	Link            *string         `gorm:"type:text;index:idx_orders_link;comment:规范化视频链接"`
	Params          string          `gorm:"type:text;comment:下单参数原文"`
	Logs            string          `gorm:"type:text;comment:状态日志原文"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}

func (o Order) LinkValue() string {
	if o.Link == nil {
		return ""
	}
	return *o.Link
}
