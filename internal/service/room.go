package service

import (
	"context"
	"errors"

	"chatgateway/internal/db"
	"chatgateway/internal/models"

	"gorm.io/gorm"
)

// Presence reports how many sessions on this process are subscribed to a room.
type Presence interface {
	Online(room string) int
}

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	db       *gorm.DB
	presence Presence
}

func NewRoomService(gdb *gorm.DB, presence Presence) *RoomService {
	return &RoomService{db: gdb, presence: presence}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

type ParticipantDTO struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type RoomDetail struct {
	RoomDTO
	Participants []ParticipantDTO `json:"participants"`
}

func (s *RoomService) online(name string) int {
	if s.presence == nil {
		return 0
	}
	return s.presence.Online(name)
}

// Create 创建新房间，participantIDs 中不存在的用户会被忽略。
func (s *RoomService) Create(ctx context.Context, name string, participantIDs ...uint) (*RoomDTO, error) {
	var room models.Room
	err := db.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Room{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrRoomExists
		}
		room = models.Room{Name: name}
		if len(participantIDs) > 0 {
			var users []models.User
			if err := tx.Select("id").Where("id IN ?", participantIDs).Find(&users).Error; err != nil {
				return err
			}
			room.Participants = users
		}
		// 关联的 users 已存在，只写 room 与中间表。
		return tx.Omit("Participants.*").Create(&room).Error
	})
	if err != nil {
		return nil, err
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Online: s.online(room.Name)}, nil
}

// List 返回房间列表，附带各房间在本进程的在线人数。
func (s *RoomService) List(ctx context.Context, limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := db.Conn(ctx, s.db).Order("name asc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, Online: s.online(r.Name)})
	}
	return out, nil
}

// FindRoomByName 按名称查找房间。
func (s *RoomService) FindRoomByName(ctx context.Context, name string) (*models.Room, error) {
	var room models.Room
	if err := db.Conn(ctx, s.db).Where("name = ?", name).Take(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) Detail(ctx context.Context, name string) (*RoomDetail, error) {
	var room models.Room
	err := db.Conn(ctx, s.db).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB {
			return tx.Select("id", "username").Order("username asc")
		}).
		Where("name = ?", name).
		Take(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	out := &RoomDetail{
		RoomDTO:      RoomDTO{ID: room.ID, Name: room.Name, Online: s.online(room.Name)},
		Participants: make([]ParticipantDTO, 0, len(room.Participants)),
	}
	for _, p := range room.Participants {
		out.Participants = append(out.Participants, ParticipantDTO{ID: p.ID, Username: p.Username})
	}
	return out, nil
}
