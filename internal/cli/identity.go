package cli

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"pointchat/internal/api"
	"pointchat/internal/models"
)

// Identity 是当前登录用户在客户端的最小身份信息。
type Identity struct {
	UserID uint
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == models.RoleAdmin }

func identityOf(u api.User) Identity {
	return Identity{UserID: u.ID, Role: u.Role}
}

type accessClaims struct {
	UserID uint   `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityFromToken 从已保存的访问令牌中读出用户 ID 与角色。
// 客户端没有签名密钥，这里不校验签名，令牌的有效性由服务端判定。
func IdentityFromToken(accessToken string) (Identity, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return Identity{}, fmt.Errorf("decode access token: %w", err)
	}
	if claims.UserID == 0 {
		return Identity{}, errors.New("access token has no user id")
	}
	if claims.Role == "" {
		claims.Role = models.RoleUser
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
