package service

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pointchat/internal/auth"
	"pointchat/internal/config"
	"pointchat/internal/models"
)

// UserService 封装账号与令牌相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.ServerConfig
}

func NewUserService(db *gorm.DB, cfg config.ServerConfig) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// AuthResult 是登录、注册、刷新成功后签发的令牌对。
type AuthResult struct {
	AccessToken      string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             models.User
}

// Register 注册普通用户并直接登录。
func (s *UserService) Register(username, password string) (*AuthResult, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash, Role: models.RoleUser}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return s.issue(s.db, user)
}

// Login 校验用户名密码并签发令牌对。
func (s *UserService) Login(username, password string) (*AuthResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(s.db, user)
}

// Refresh 验证旧 refresh token 并签发新令牌对（旋转刷新），旧 token 立即失效。
func (s *UserService) Refresh(oldRT string) (*AuthResult, error) {
	if oldRT == "" {
		return nil, ErrInvalidRefresh
	}
	var result *AuthResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefresh
			}
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		var user models.User
		if err := tx.First(&user, rec.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefresh
			}
			return err
		}
		result, err = s.issue(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Logout 吊销 refresh token；token 不存在也视为成功。
func (s *UserService) Logout(rt string) error {
	if rt == "" {
		return nil
	}
	return auth.RevokeRefreshToken(s.db, rt)
}

func (s *UserService) issue(tx *gorm.DB, user models.User) (*AuthResult, error) {
	at, exp, err := auth.GenerateAccessToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL())
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	rtExp := time.Now().Add(s.cfg.RefreshTokenTTL())
	if err := auth.SaveRefreshToken(tx, user.ID, rt, rtExp); err != nil {
		return nil, err
	}
	return &AuthResult{AccessToken: at, ExpiresAt: exp, RefreshToken: rt, RefreshExpiresAt: rtExp, User: user}, nil
}

func (s *UserService) Get(id uint) (models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

// Admin 返回普通用户的固定会话对象（最早创建的管理员）。
func (s *UserService) Admin() (models.Peer, error) {
	var user models.User
	if err := s.db.Where("role = ?", models.RoleAdmin).Order("id asc").First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Peer{}, ErrNoAdmin
		}
		return models.Peer{}, err
	}
	return models.Peer{ID: user.ID, Username: user.Username}, nil
}

// EnsureAdmin 在管理员账号不存在时创建；已存在的同名普通用户会被提升为管理员。
func (s *UserService) EnsureAdmin(username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	var user models.User
	err := s.db.Where("username = ?", username).First(&user).Error
	switch {
	case err == nil:
		if user.Role == models.RoleAdmin {
			return nil
		}
		return s.db.Model(&user).Update("role", models.RoleAdmin).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		return s.db.Create(&models.User{Username: username, PasswordHash: hash, Role: models.RoleAdmin}).Error
	default:
		return err
	}
}
