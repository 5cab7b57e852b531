package service

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"pointchat/internal/models"
)

const (
	DefaultHistoryLimit = 200
	MaxContentLength    = 4000
)

var ErrInvalidContent = errors.New("invalid message content")

// MessageService 封装点对点消息的业务逻辑。会话只能发生在管理员与其他用户之间。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Create 保存一条消息。发送方与接收方至少有一方是管理员。
func (s *MessageService) Create(senderID, receiverID uint, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > MaxContentLength {
		return models.Message{}, ErrInvalidContent
	}
	if senderID == receiverID {
		return models.Message{}, ErrForbidden
	}
	var users []models.User
	if err := s.db.Select("id", "role").Where("id IN ?", []uint{senderID, receiverID}).Find(&users).Error; err != nil {
		return models.Message{}, err
	}
	if len(users) != 2 {
		return models.Message{}, ErrUserNotFound
	}
	if users[0].Role != models.RoleAdmin && users[1].Role != models.RoleAdmin {
		return models.Message{}, ErrForbidden
	}
	msg := models.Message{SenderID: senderID, ReceiverID: receiverID, Content: content}
	if err := s.db.Create(&msg).Error; err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Conversation 返回两人之间最近的 limit 条消息，按时间升序。
func (s *MessageService) Conversation(viewerID, otherID uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	var msgs []models.Message
	err := s.db.
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", viewerID, otherID, otherID, viewerID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead 只有接收方可以把消息标记为已读，重复标记是幂等的。
func (s *MessageService) MarkRead(viewerID, messageID uint) (models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, err
	}
	if msg.ReceiverID != viewerID {
		return models.Message{}, ErrForbidden
	}
	if msg.IsRead {
		return msg, nil
	}
	if err := s.db.Model(&msg).Update("is_read", true).Error; err != nil {
		return models.Message{}, err
	}
	msg.IsRead = true
	return msg, nil
}

// Directory 返回与管理员有过会话的用户列表，按用户名排序。
func (s *MessageService) Directory(adminID uint) ([]models.Peer, error) {
	var peers []models.Peer
	sub := s.db.Model(&models.Message{}).
		Select("CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END", adminID).
		Where("sender_id = ? OR receiver_id = ?", adminID, adminID)
	err := s.db.Model(&models.User{}).
		Select("id", "username").
		Where("id IN (?)", sub).
		Order("username asc").
		Scan(&peers).Error
	if err != nil {
		return nil, err
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	return peers, nil
}
