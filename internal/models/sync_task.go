package models

import "time"

// ChatThread is where a notification for a tracked order goes.
type ChatThread struct {
	ChatID    int64 `gorm:"not null;comment:会话ID"`
	MessageID int   `gorm:"not null;default:0;comment:回复的消息ID"`
}

// SyncTask is an order under active monitoring. Its removal marks the order as
// resolved.
type SyncTask struct {
	OrderID      int64      `gorm:"primaryKey;autoIncrement:false;comment:订单ID"`
	Thread       ChatThread `gorm:"embedded"`
	Attempts     int        `gorm:"not null;default:0;comment:已同步次数"`
	MaxAttempts  int        `gorm:"not null;default:0;comment:最大同步次数(0不限)"`
	LastSyncedAt int64      `gorm:"not null;default:0;index:idx_sync_tasks_last_synced_at;comment:最近同步时间(unix秒,0为立即)"`
	StatusText   string     `gorm:"type:text;comment:最近状态或错误"`
	Link         string     `gorm:"type:text;comment:触发链接"`
	ChannelID    int64      `gorm:"not null;default:0;comment:第三方渠道ID"`
	OrderSN      string     `gorm:"type:varchar(64);comment:订单号"`
	// TrackToken changes on every (re)track; poll results are only written
	// back while it still matches.
	TrackToken   string     `gorm:"type:varchar(64);not null;default:'';comment:跟踪令牌"`
	CreatedAt    time.Time  `gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime"`
}

func (SyncTask) TableName() string {
	return "sync_tasks"
}
