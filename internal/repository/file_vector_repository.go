package repository

import (
	"context"
	"fmt"

	"backstage-go/internal/model"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/vector"
)

// FileVectorRepository 定义了对 file_upload_vectors 表的数据操作接口。
type FileVectorRepository interface {
	// Upsert 以 (file_upload_id, chunk_index) 为键写入或覆盖分块。表名使用 schema 限定。
	Upsert(ctx context.Context, pool *database.Pool, schema string, chunk model.FileUploadVector, vec []float32) (*model.FileUploadVector, error)
	ListByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) ([]model.FileUploadVector, error)
	DeleteByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) (int64, error)
	SearchSimilar(ctx context.Context, pool *database.Pool, query []float32, opts FileSearchOptions) ([]model.FileChunkMatch, error)
}

type fileVectorRepository struct {
	distanceOp string
}

// NewFileVectorRepository 创建一个新的 FileVectorRepository 实例。
func NewFileVectorRepository(metric string) FileVectorRepository {
	return &fileVectorRepository{distanceOp: DistanceOperator(metric)}
}

func (r *fileVectorRepository) Upsert(ctx context.Context, pool *database.Pool, schema string, chunk model.FileUploadVector, vec []float32) (*model.FileUploadVector, error) {
	if !database.ValidSchemaName(schema) {
		return nil, errs.Validation("UpsertFileVector", "invalid schema name", map[string]any{"schema": schema})
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	query := `INSERT INTO ` + database.QuoteIdent(schema) + `.file_upload_vectors
	(file_upload_id, chunk_index, content_text, content_vector)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (file_upload_id, chunk_index)
	DO UPDATE SET content_text = EXCLUDED.content_text, content_vector = EXCLUDED.content_vector
	RETURNING id, file_upload_id, chunk_index, content_text, created_at`

	var out model.FileUploadVector
	err := db.Raw(query, chunk.FileUploadID, chunk.ChunkIndex, chunk.ContentText, vector.ToPG(vec)).Scan(&out).Error
	if err != nil {
		// 保留原始 pg 错误，外键冲突由调用方决定是否重试
		return nil, err
	}
	return &out, nil
}

// ListByFile 按 chunk_index 升序返回文件的分块，不加载向量列。
func (r *fileVectorRepository) ListByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) ([]model.FileUploadVector, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	chunks := make([]model.FileUploadVector, 0)
	err := db.Select("id", "file_upload_id", "chunk_index", "content_text", "created_at").
		Where("file_upload_id = ?", fileUploadID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, errs.FromDB("ListFileVectors", err, map[string]any{"fileUploadId": fileUploadID, "schema": pool.Schema})
	}
	return chunks, nil
}

func (r *fileVectorRepository) DeleteByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) (int64, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	res := db.Where("file_upload_id = ?", fileUploadID).Delete(&model.FileUploadVector{})
	if res.Error != nil {
		return 0, errs.FromDB("DeleteFileVectors", res.Error, map[string]any{"fileUploadId": fileUploadID, "schema": pool.Schema})
	}
	return res.RowsAffected, nil
}

// SearchSimilar 返回与查询向量最接近的文件分块，附带文件元数据。
func (r *fileVectorRepository) SearchSimilar(ctx context.Context, pool *database.Pool, query []float32, opts FileSearchOptions) ([]model.FileChunkMatch, error) {
	q := vector.ToPG(query)
	sqlText := fmt.Sprintf(`SELECT v.file_upload_id, f.filename, f.mime_type, f.public_url, v.chunk_index, v.content_text,
	f.created_at, (v.content_vector %s ?) AS distance
	FROM file_upload_vectors v
	JOIN file_uploads f ON f.id = v.file_upload_id
	WHERE v.content_vector IS NOT NULL
	AND (v.content_vector %s ?) < ?`, r.distanceOp, r.distanceOp)
	args := []any{q, q, opts.Threshold}
	if opts.ExcludeFileID > 0 {
		sqlText += " AND v.file_upload_id <> ?"
		args = append(args, opts.ExcludeFileID)
	}
	sqlText += " ORDER BY distance ASC LIMIT ?"
	args = append(args, opts.Limit)

	db, cancel := pool.WithContext(ctx)
	defer cancel()

	rows := make([]model.FileChunkMatch, 0)
	if err := db.Raw(sqlText, args...).Scan(&rows).Error; err != nil {
		return nil, errs.FromDB("SearchFileVectors", err, map[string]any{"schema": pool.Schema})
	}
	for i := range rows {
		rows[i].Similarity = 1 - rows[i].Distance
	}
	return rows, nil
}
