package model

import "time"

// SimilarTurn 是相似消息检索的一行结果，Similarity = 1 - Distance。
type SimilarTurn struct {
	ID            int64       `gorm:"column:id" json:"id"`
	TopicID       int64       `gorm:"column:topic_id" json:"topicId"`
	TopicPath     *string     `gorm:"column:topic_path" json:"topicPath,omitempty"`
	AvatarID      int64       `gorm:"column:avatar_id" json:"avatarId"`
	TurnIndex     float64     `gorm:"column:turn_index" json:"turnIndex"`
	ContentText   string      `gorm:"column:content_text" json:"contentText"`
	TurnKindID    TurnKind    `gorm:"column:turn_kind_id" json:"turnKindId"`
	MessageTypeID MessageType `gorm:"column:message_type_id" json:"messageTypeId"`
	CreatedAt     time.Time   `gorm:"column:created_at" json:"createdAt"`
	Distance      float64     `gorm:"column:distance" json:"distance"`
	Similarity    float64     `gorm:"-" json:"similarity"`
}

// FileChunkMatch 是文件内容检索的一行结果。
type FileChunkMatch struct {
	FileUploadID int64     `gorm:"column:file_upload_id" json:"fileUploadId"`
	Filename     string    `gorm:"column:filename" json:"filename"`
	MimeType     string    `gorm:"column:mime_type" json:"mimeType"`
	PublicURL    string    `gorm:"column:public_url" json:"publicUrl"`
	ChunkIndex   int       `gorm:"column:chunk_index" json:"chunkIndex"`
	ContentText  string    `gorm:"column:content_text" json:"contentText"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
	Distance     float64   `gorm:"column:distance" json:"distance"`
	Similarity   float64   `gorm:"-" json:"similarity"`
}
