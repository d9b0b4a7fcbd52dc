// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"strings"
	"time"

	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/embedding"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
	"backstage-go/pkg/vector"
)

// PublicSchema 是未指定 schema 且连接池也没有记录 schema 时的兜底。
const PublicSchema = "public"

// DefaultFKBackoff 是外键冲突时的重试间隔。
var DefaultFKBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// IndexChunkRequest 描述一次文件分块写入。
type IndexChunkRequest struct {
	FileUploadID int64
	ChunkIndex   int
	Text         string
	Vector       []float32
	// Schema 为空时依次回退到连接池的 schema 和 public。
	Schema string
	// ParentVerified 表示调用方已经确认过 file_uploads 行存在。
	ParentVerified bool
}

// VectorIndexer 负责生成 embedding 并写入文件分块向量。
type VectorIndexer interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	IndexFileChunk(ctx context.Context, pool *database.Pool, req IndexChunkRequest) (*model.FileUploadVector, error)
	FileExists(ctx context.Context, pool *database.Pool, schema string, fileUploadID int64) (bool, error)
}

type vectorIndexer struct {
	embedder   embedding.Client
	uploadRepo repository.FileUploadRepository
	vectorRepo repository.FileVectorRepository
	backoff    []time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewVectorIndexer 创建一个新的 VectorIndexer 实例。backoff 为 nil 时使用 DefaultFKBackoff。
func NewVectorIndexer(embedder embedding.Client, uploadRepo repository.FileUploadRepository, vectorRepo repository.FileVectorRepository, backoff []time.Duration) VectorIndexer {
	if backoff == nil {
		backoff = DefaultFKBackoff
	}
	return &vectorIndexer{
		embedder:   embedder,
		uploadRepo: uploadRepo,
		vectorRepo: vectorRepo,
		backoff:    backoff,
		sleep:      sleepContext,
	}
}

// ResolveSchema 按 显式参数 -> 连接池 schema -> public 的顺序决定 schema。
func ResolveSchema(explicit string, pool *database.Pool) string {
	if explicit != "" {
		return explicit
	}
	if pool != nil && pool.Schema != "" {
		return pool.Schema
	}
	return PublicSchema
}

// Embed 调用 embedding 服务并把结果规整到固定维度。
func (s *vectorIndexer) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("Embed", "text must not be empty", nil)
	}
	vec, err := s.embedder.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, errs.Upstream("Embed", errs.CodeEmbedding, map[string]any{"textLength": len(text)}, err)
	}
	if len(vec) != vector.Dim {
		log.Warnf("[VectorIndexer] embedding 维度为 %d, 规整为 %d", len(vec), vector.Dim)
	}
	return vector.Normalize(vec), nil
}

func (s *vectorIndexer) FileExists(ctx context.Context, pool *database.Pool, schema string, fileUploadID int64) (bool, error) {
	return s.uploadRepo.Exists(ctx, pool, ResolveSchema(schema, pool), fileUploadID)
}

// IndexFileChunk 写入一个分块。外键冲突（例如文件行所在事务尚未提交）按退避重试，用尽后返回 ForeignKeyError。
func (s *vectorIndexer) IndexFileChunk(ctx context.Context, pool *database.Pool, req IndexChunkRequest) (*model.FileUploadVector, error) {
	schema := ResolveSchema(req.Schema, pool)
	diag := map[string]any{"fileUploadId": req.FileUploadID, "chunkIndex": req.ChunkIndex, "schema": schema}

	switch {
	case req.FileUploadID <= 0:
		return nil, errs.Validation("IndexFileChunk", "file upload id must be positive", diag)
	case req.ChunkIndex < 0:
		return nil, errs.Validation("IndexFileChunk", "chunk index must not be negative", diag)
	case strings.TrimSpace(req.Text) == "":
		return nil, errs.Validation("IndexFileChunk", "chunk text must not be empty", diag)
	case len(req.Vector) == 0:
		return nil, errs.Validation("IndexFileChunk", "vector must not be empty", diag)
	}

	if !req.ParentVerified {
		exists, err := s.uploadRepo.Exists(ctx, pool, schema, req.FileUploadID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errs.NotFound("IndexFileChunk", "file upload does not exist", diag)
		}
	}

	chunk := model.FileUploadVector{
		FileUploadID: req.FileUploadID,
		ChunkIndex:   req.ChunkIndex,
		ContentText:  req.Text,
	}
	for attempt := 0; ; attempt++ {
		out, err := s.vectorRepo.Upsert(ctx, pool, schema, chunk, req.Vector)
		if err == nil {
			return out, nil
		}
		if !errs.IsPgCode(err, "23503") {
			return nil, errs.FromDB("IndexFileChunk", err, diag)
		}
		if attempt >= len(s.backoff) {
			diag["attempts"] = attempt + 1
			return nil, errs.ForeignKey("IndexFileChunk", "file upload row not visible after retries", diag, err)
		}
		log.Warnf("[VectorIndexer] 外键冲突, 第 %d 次重试, file_upload_id: %d, chunk: %d, schema: %s",
			attempt+1, req.FileUploadID, req.ChunkIndex, schema)
		if err := s.sleep(ctx, s.backoff[attempt]); err != nil {
			return nil, errs.Database("IndexFileChunk", errs.CodeTimeout, diag, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
