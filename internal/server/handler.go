package server

import (
	"errors"
	"net/http"
	"strconv"

	"chatgateway/internal/auth"
	"chatgateway/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
	tokens  *auth.Service
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, tokens *auth.Service) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, tokens: tokens}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenErrorMessage 把 Token Service 的错误映射为统一的 401 文案。
func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "token expired"
	case errors.Is(err, auth.ErrStaleCredential):
		return "refresh token already used or revoked"
	case errors.Is(err, auth.ErrIdentityNotFound):
		return "user not found"
	default:
		return "invalid refresh token"
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrInvalidCredential) ||
		errors.Is(err, auth.ErrExpired) ||
		errors.Is(err, auth.ErrStaleCredential) ||
		errors.Is(err, auth.ErrIdentityNotFound)
}

// IssueToken 处理 POST /token/get：校验用户名密码并签发 token 对。
func (h *Handler) IssueToken(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	ident, err := h.userSvc.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("token get authenticate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	pair, err := h.tokens.Issue(c.Request.Context(), ident)
	if err != nil {
		log.Error().Err(err).Uint("user_id", ident.ID).Msg("token get issue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// RefreshToken 处理 POST /token/refresh：一次性消费 refresh token 并换取新 token 对。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	pair, err := h.tokens.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if isTokenError(err) {
			log.Warn().Err(err).Msg("token refresh rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": tokenErrorMessage(err)})
			return
		}
		log.Error().Err(err).Msg("token refresh")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// RevokeToken 处理 POST /token/revoke（登出）。
func (h *Handler) RevokeToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	if err := h.tokens.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		if isTokenError(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": tokenErrorMessage(err)})
			return
		}
		log.Error().Err(err).Msg("token revoke")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), 100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 返回房间详情（含参与者）。
func (h *Handler) GetRoom(c *gin.Context) {
	name := c.Param("name")
	room, err := h.roomSvc.Detail(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Error().Err(err).Str("room", name).Msg("get room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	name := c.Param("name")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		v, err := strconv.ParseUint(bid, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
			return
		}
		beforeID = uint(v)
	}
	msgs, err := h.msgSvc.ListByRoom(c.Request.Context(), name, limit, beforeID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Error().Err(err).Str("room", name).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Me 返回当前 access token 对应的用户。
func (h *Handler) Me(c *gin.Context) {
	ident := auth.GetIdentity(c)
	c.JSON(http.StatusOK, gin.H{"id": ident.ID, "username": ident.Username})
}
