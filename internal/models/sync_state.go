package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncState struct {
	Scope         string         `gorm:"primaryKey;type:text;comment:同步范围标识"`
	Watermark     int64          `gorm:"not null;default:0;comment:已见最大订单ID"`
	CycleID       string         `gorm:"type:varchar(64);comment:最近一轮同步ID"`
	LastSuccessAt *time.Time     `gorm:"comment:最近成功时间"`
	LastAttemptAt *time.Time     `gorm:"comment:最近尝试时间"`
	LastError     *string        `gorm:"type:text;comment:最近错误信息"`
	StatsJSON     datatypes.JSON `gorm:"comment:本轮统计JSON"`
}

func (SyncState) TableName() string {
	return "sync_state"
}
