package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"backstage-go/internal/model"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
)

// FileUploadRepository 接口定义了 file_uploads 表的数据持久化操作。
type FileUploadRepository interface {
	Create(ctx context.Context, pool *database.Pool, record *model.FileUpload) error
	GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.FileUpload, error)
	// Exists 在显式给定的 schema 下查询，不依赖连接上的 search_path。
	Exists(ctx context.Context, pool *database.Pool, schema string, id int64) (bool, error)
	List(ctx context.Context, pool *database.Pool, limit, offset int) ([]model.FileUpload, error)
	Delete(ctx context.Context, pool *database.Pool, id int64) (bool, error)
}

type fileUploadRepository struct{}

// NewFileUploadRepository 创建一个新的 FileUploadRepository 实例。
func NewFileUploadRepository() FileUploadRepository {
	return &fileUploadRepository{}
}

// Create 写入文件记录，回填 ID 与创建时间。
func (r *fileUploadRepository) Create(ctx context.Context, pool *database.Pool, record *model.FileUpload) error {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	if record.Tags == nil {
		record.Tags = model.TagsJSON(nil)
	}
	if err := db.Create(record).Error; err != nil {
		return errs.FromDB("CreateFileUpload", err, map[string]any{"filename": record.Filename, "schema": pool.Schema})
	}
	return nil
}

// GetByID 不存在时返回 nil, nil。
func (r *fileUploadRepository) GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.FileUpload, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var record model.FileUpload
	err := db.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.FromDB("GetFileUpload", err, map[string]any{"fileUploadId": id, "schema": pool.Schema})
	}
	return &record, nil
}

func (r *fileUploadRepository) Exists(ctx context.Context, pool *database.Pool, schema string, id int64) (bool, error) {
	if !database.ValidSchemaName(schema) {
		return false, errs.Validation("FileUploadExists", "invalid schema name", map[string]any{"schema": schema})
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + database.QuoteIdent(schema) + `.file_uploads WHERE id = ?)`
	if err := db.Raw(query, id).Scan(&exists).Error; err != nil {
		return false, errs.FromDB("FileUploadExists", err, map[string]any{"fileUploadId": id, "schema": schema})
	}
	return exists, nil
}

// List 按创建时间倒序分页返回文件记录。
func (r *fileUploadRepository) List(ctx context.Context, pool *database.Pool, limit, offset int) ([]model.FileUpload, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	records := make([]model.FileUpload, 0)
	if err := db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, errs.FromDB("ListFileUploads", err, map[string]any{"schema": pool.Schema})
	}
	return records, nil
}

// Delete 返回是否确实删除了一行。
func (r *fileUploadRepository) Delete(ctx context.Context, pool *database.Pool, id int64) (bool, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	res := db.Where("id = ?", id).Delete(&model.FileUpload{})
	if res.Error != nil {
		return false, errs.FromDB("DeleteFileUpload", res.Error, map[string]any{"fileUploadId": id, "schema": pool.Schema})
	}
	return res.RowsAffected > 0, nil
}
