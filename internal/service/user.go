package service

import (
	"context"
	"errors"
	"fmt"

	"chatgateway/internal/auth"
	"chatgateway/internal/db"
	"chatgateway/internal/models"

	"gorm.io/gorm"
)

// UserService 是身份目录：登录校验与按 id / 用户名解析 Identity。
type UserService struct {
	db *gorm.DB
}

func NewUserService(gdb *gorm.DB) *UserService {
	return &UserService{db: gdb}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户，返回用户 ID 和用户名。
func (s *UserService) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	conn := db.Conn(ctx, s.db)
	var count int64
	if err := conn.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := conn.Create(&user).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// Authenticate 校验用户名密码，成功时返回对应的 Identity。
func (s *UserService) Authenticate(ctx context.Context, username, password string) (auth.Identity, error) {
	var user models.User
	err := db.Conn(ctx, s.db).Where("username = ?", username).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.Identity{}, ErrInvalidCredentials
		}
		return auth.Identity{}, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return auth.Identity{}, ErrInvalidCredentials
	}
	return toIdentity(user), nil
}

func (s *UserService) FindIdentityByID(ctx context.Context, id uint) (auth.Identity, error) {
	if id == 0 {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	return s.findIdentity(ctx, "id = ?", id)
}

func (s *UserService) FindIdentityByName(ctx context.Context, username string) (auth.Identity, error) {
	if username == "" {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	return s.findIdentity(ctx, "username = ?", username)
}

func (s *UserService) findIdentity(ctx context.Context, query string, arg interface{}) (auth.Identity, error) {
	var user models.User
	err := db.Conn(ctx, s.db).
		Select("id", "username", "credential_version").
		Where(query, arg).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.Identity{}, auth.ErrIdentityNotFound
		}
		return auth.Identity{}, err
	}
	return toIdentity(user), nil
}

func toIdentity(u models.User) auth.Identity {
	return auth.Identity{ID: u.ID, Username: u.Username, CredentialVersion: u.CredentialVersion}
}
