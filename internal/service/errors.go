package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
	ErrUserNotFound       = errors.New("user not found")
	ErrNoAdmin            = errors.New("no admin account configured")
	ErrMessageNotFound    = errors.New("message not found")
	// ErrForbidden 表示请求者无权操作该资源，例如两个普通用户之间互发消息。
	ErrForbidden = errors.New("forbidden")
)
