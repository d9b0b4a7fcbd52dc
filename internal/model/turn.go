// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// TurnKind 对应 turn_kind_id 列。
type TurnKind int

const (
	TurnKindRegular TurnKind = 1
	TurnKindFile    TurnKind = 2
	TurnKindComment TurnKind = 3
)

func (k TurnKind) String() string {
	switch k {
	case TurnKindRegular:
		return "regular"
	case TurnKindFile:
		return "file"
	case TurnKindComment:
		return "comment"
	}
	return "unknown"
}

// MessageType 对应 message_type_id 列。
type MessageType int

const (
	MessageTypeUser      MessageType = 1
	MessageTypeAssistant MessageType = 2
)

// Turn 是话题中的一条消息，turn_index 在同一话题内单调递增，评论可以使用小数插入两条消息之间。
type Turn struct {
	ID            int64            `gorm:"column:id;primaryKey" json:"id"`
	TopicID       int64            `gorm:"column:topic_id" json:"topicId"`
	AvatarID      int64            `gorm:"column:avatar_id" json:"avatarId"`
	ParticipantID *int64           `gorm:"column:participant_id" json:"participantId,omitempty"`
	LLMID         *int64           `gorm:"column:llm_id" json:"llmId,omitempty"`
	TurnIndex     float64          `gorm:"column:turn_index;type:numeric" json:"turnIndex"`
	ContentText   string           `gorm:"column:content_text" json:"contentText"`
	ContentVector *pgvector.Vector `gorm:"column:content_vector;type:vector(1536)" json:"-"`
	TurnKindID    TurnKind         `gorm:"column:turn_kind_id" json:"turnKindId"`
	MessageTypeID MessageType      `gorm:"column:message_type_id" json:"messageTypeId"`
	CreatedAt     time.Time        `gorm:"column:created_at" json:"createdAt"`
}

func (Turn) TableName() string {
	return "grp_topic_avatar_turns"
}

// HasVector 报告该消息是否已经向量化。
func (t *Turn) HasVector() bool {
	return t.ContentVector != nil && len(t.ContentVector.Slice()) > 0
}

// IsComment 报告该消息是否为评论。
func (t *Turn) IsComment() bool { return t.TurnKindID == TurnKindComment }

// NewTurn 是写入一条消息所需的字段。
type NewTurn struct {
	TopicID       int64
	AvatarID      int64
	ParticipantID *int64
	LLMID         *int64
	TurnIndex     float64
	ContentText   string
	Vector        []float32
	TurnKind      TurnKind
	MessageType   MessageType
}
