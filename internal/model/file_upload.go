package model

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// FileUpload 对应 file_uploads 表，bucket_name 始终等于所属租户的 schema。
type FileUpload struct {
	ID          int64          `gorm:"column:id;primaryKey" json:"id"`
	Filename    string         `gorm:"column:filename" json:"filename"`
	MimeType    string         `gorm:"column:mime_type" json:"mimeType"`
	FileSize    int64          `gorm:"column:file_size" json:"fileSize"`
	FilePath    string         `gorm:"column:file_path" json:"filePath"`
	PublicURL   string         `gorm:"column:public_url" json:"publicUrl"`
	BucketName  string         `gorm:"column:bucket_name" json:"bucketName"`
	Description string         `gorm:"column:description" json:"description"`
	Tags        datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"createdAt"`
}

func (FileUpload) TableName() string {
	return "file_uploads"
}

// TagList 解析 tags 列，格式错误时返回空列表。
func (f *FileUpload) TagList() []string {
	var tags []string
	if len(f.Tags) == 0 {
		return tags
	}
	_ = json.Unmarshal(f.Tags, &tags)
	return tags
}

// TagsJSON 把标签列表编码为 jsonb 值。
func TagsJSON(tags []string) datatypes.JSON {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return datatypes.JSON(b)
}

// FileUploadVector 是文件的一个文本分块及其向量，(file_upload_id, chunk_index) 唯一。
type FileUploadVector struct {
	ID            int64            `gorm:"column:id;primaryKey" json:"id"`
	FileUploadID  int64            `gorm:"column:file_upload_id" json:"fileUploadId"`
	ChunkIndex    int              `gorm:"column:chunk_index" json:"chunkIndex"`
	ContentText   string           `gorm:"column:content_text" json:"contentText"`
	ContentVector *pgvector.Vector `gorm:"column:content_vector;type:vector(1536)" json:"-"`
	CreatedAt     time.Time        `gorm:"column:created_at" json:"createdAt"`
}

func (FileUploadVector) TableName() string {
	return "file_upload_vectors"
}
