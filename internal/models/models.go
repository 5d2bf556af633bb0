package models

import "time"

// User 是身份目录中的一行；RefreshToken 保存该用户当前唯一有效的 refresh token。
type User struct {
	ID                uint   `gorm:"primaryKey"`
	Username          string `gorm:"uniqueIndex;size:150;not null"`
	PasswordHash      string `gorm:"not null"`
	RefreshToken      string `gorm:"type:text"`
	CredentialVersion uint   `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Room struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;size:100;not null"`
	Participants []User `gorm:"many2many:room_participants"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index:idx_msg_room_id;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// RevokedToken 记录被拉黑的 refresh token（按 jti），过期后可清理。
type RevokedToken struct {
	ID        uint      `gorm:"primaryKey"`
	TokenID   string    `gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}
