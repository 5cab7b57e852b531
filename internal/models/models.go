package models

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"size:16;not null;default:user"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message 是一条点对点聊天消息。IsMine 只在客户端按观察者计算，不落库。
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SenderID   uint      `gorm:"index:idx_msg_pair;not null" json:"senderId"`
	ReceiverID uint      `gorm:"index:idx_msg_pair;not null" json:"receiverId"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	IsRead     bool      `gorm:"not null;default:false" json:"isRead"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
	IsMine     bool      `gorm:"-" json:"isMine,omitempty"`
}

// Counterpart 返回 viewer 视角下的对方 ID。
func (m Message) Counterpart(viewerID uint) uint {
	if m.SenderID == viewerID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Between 判断消息是否属于 a 与 b 之间的会话。
func (m Message) Between(a, b uint) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Peer 是管理员会话目录中的轻量用户信息。
type Peer struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
