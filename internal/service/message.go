package service

import (
	"context"
	"errors"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/db"
	"chatgateway/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(gdb *gorm.DB) *MessageService {
	return &MessageService{db: gdb}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint      `json:"id"`
	Room      string    `json:"room"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMessage 持久化一条聊天消息并返回服务端时间戳。
// 匿名身份的消息记在用户名为 auth.AnonymousName 的目录用户名下；
// 该用户或实名用户不存在时返回 auth.ErrIdentityNotFound。
func (s *MessageService) CreateMessage(ctx context.Context, roomName string, ident auth.Identity, body string) (time.Time, error) {
	var created time.Time
	err := db.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		var room models.Room
		if err := tx.Select("id").Where("name = ?", roomName).Take(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		sender := tx.Select("id")
		if ident.IsAnonymous() {
			sender = sender.Where("username = ?", auth.AnonymousName)
		} else {
			sender = sender.Where("id = ?", ident.ID)
		}
		var user models.User
		if err := sender.Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return auth.ErrIdentityNotFound
			}
			return err
		}
		msg := models.Message{RoomID: room.ID, UserID: user.ID, Content: body}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		created = msg.CreatedAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return created, nil
}

// ListByRoom 分页查询指定房间的消息，按 id 升序返回。
func (s *MessageService) ListByRoom(ctx context.Context, roomName string, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	conn := db.Conn(ctx, s.db)

	var room models.Room
	if err := conn.Select("id", "name").Where("name = ?", roomName).Take(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	q := conn.Where("room_id = ?", room.ID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(conn, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:        m.ID,
			Room:      room.Name,
			UserID:    m.UserID,
			Username:  usernames[m.UserID],
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(conn *gorm.DB, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := conn.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
