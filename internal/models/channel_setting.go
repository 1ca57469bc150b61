package models

import "time"

// ChannelSetting is one upstream third-party channel and whether it is selected.
type ChannelSetting struct {
	ChannelID  int64     `gorm:"primaryKey;autoIncrement:false;comment:第三方渠道ID"`
	Name       string    `gorm:"type:varchar(255);comment:渠道名称"`
	IsSelected bool      `gorm:"not null;default:false;index:idx_channel_settings_is_selected;comment:是否选中"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (ChannelSetting) TableName() string {
	return "channel_settings"
}
