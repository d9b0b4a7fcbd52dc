// Package pipeline 定义了文件处理的核心流程：提取文本、切块、向量化并写入分块向量。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"backstage-go/internal/config"
	"backstage-go/internal/service"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
	"backstage-go/pkg/storage"
	"backstage-go/pkg/tasks"
)

// PoolResolver 把 ConnTarget 解析为连接池，由 database.PoolManager 实现。
type PoolResolver interface {
	Resolve(target database.ConnTarget) (*database.Pool, error)
}

// IngestTask 描述一次文件处理。Schema 为空时使用连接池的 schema。
type IngestTask struct {
	FilePath     string
	FileUploadID int64
	MimeType     string
	Schema       string
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	indexer service.VectorIndexer
	pools   PoolResolver
	store   storage.ObjectStore
	tracker ProcessingTracker
	cfg     config.IngestionConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	indexer service.VectorIndexer,
	pools PoolResolver,
	store storage.ObjectStore,
	tracker ProcessingTracker,
	cfg config.IngestionConfig,
) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if tracker == nil {
		tracker = NewMemoryTracker()
	}
	return &Processor{
		indexer: indexer,
		pools:   pools,
		store:   store,
		tracker: tracker,
		cfg:     cfg,
	}
}

// IsProcessing 报告文件是否正在处理。
func (p *Processor) IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error) {
	return p.tracker.IsProcessing(ctx, schema, fileID)
}

// Ingest 是文件处理的主函数。单个分块失败不会中断其他分块，所有失败在最后一并返回。
func (p *Processor) Ingest(ctx context.Context, pool *database.Pool, task IngestTask) error {
	schema := service.ResolveSchema(task.Schema, pool)
	diag := map[string]any{"fileUploadId": task.FileUploadID, "schema": schema}
	log.Infof("[Processor] 开始处理文件, file_upload_id: %d, schema: %s, mime: %s", task.FileUploadID, schema, task.MimeType)

	started, err := p.tracker.Begin(ctx, schema, task.FileUploadID)
	if err != nil {
		return fmt.Errorf("标记文件处理状态失败: %w", err)
	}
	if !started {
		return errs.Conflict("Ingest", errs.CodeFileInProcessing, "file is already being processed", diag)
	}
	defer func() {
		if err := p.tracker.End(context.Background(), schema, task.FileUploadID); err != nil {
			log.Warnf("[Processor] 清除处理标记失败, file_upload_id: %d, error: %v", task.FileUploadID, err)
		}
	}()

	// 1. 提取文本
	text, err := ExtractText(task.FilePath, task.MimeType)
	if err != nil {
		log.Errorf("[Processor] 提取文本失败, file_upload_id: %d, error: %v", task.FileUploadID, err)
		return errs.Validation("Ingest", "failed to extract text: "+err.Error(), diag)
	}
	if strings.TrimSpace(text) == "" {
		log.Warnf("[Processor] 提取的文本内容为空, 跳过向量化, file_upload_id: %d, mime: %s", task.FileUploadID, task.MimeType)
		return nil
	}
	log.Infof("[Processor] 步骤1: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 2. 文本切块
	chunks := SplitText(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	total := len(chunks)
	// 只含空白的分块无法向量化
	chunks = slices.DeleteFunc(chunks, func(c string) bool { return strings.TrimSpace(c) == "" })
	log.Infof("[Processor] 步骤2: 文本分块完成, chunkSize: %d, chunkOverlap: %d, 共 %d 个分块, 跳过空白分块 %d 个",
		p.cfg.ChunkSize, p.cfg.ChunkOverlap, len(chunks), total-len(chunks))

	// 3. 文件行只检查一次，文件在上传后立即被删除时直接结束
	exists, err := p.indexer.FileExists(ctx, pool, schema, task.FileUploadID)
	if err != nil {
		return err
	}
	if !exists {
		log.Warnf("[Processor] 文件记录不存在, 处理中止, file_upload_id: %d, schema: %s", task.FileUploadID, schema)
		return errs.NotFound("Ingest", "file upload does not exist", diag)
	}

	// 4. 并发向量化并写入
	var (
		mu       sync.Mutex
		failures []error
	)
	fail := func(idx int, err error) {
		log.Errorf("[Processor] 分块 %d 处理失败, file_upload_id: %d, error: %v", idx, task.FileUploadID, err)
		mu.Lock()
		failures = append(failures, fmt.Errorf("chunk %d: %w", idx, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := p.indexer.Embed(ctx, chunk)
			if err != nil {
				fail(i, err)
				return nil
			}
			_, err = p.indexer.IndexFileChunk(ctx, pool, service.IndexChunkRequest{
				FileUploadID:   task.FileUploadID,
				ChunkIndex:     i,
				Text:           chunk,
				Vector:         vec,
				Schema:         schema,
				ParentVerified: true,
			})
			if err != nil {
				fail(i, err)
				return nil
			}
			log.Debugf("[Processor] 分块 %d/%d 向量化并写入成功", i+1, len(chunks))
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		log.Errorf("[Processor] 文件处理完成, %d/%d 个分块失败, file_upload_id: %d", len(failures), len(chunks), task.FileUploadID)
		return fmt.Errorf("%d/%d chunks failed: %w", len(failures), len(chunks), errors.Join(failures...))
	}
	log.Infof("[Processor] 文件处理成功完成, file_upload_id: %d, 分块数: %d", task.FileUploadID, len(chunks))
	return nil
}

// Process 是 Kafka 任务入口：解析连接池，从 MinIO 下载到临时文件，然后执行 Ingest。
func (p *Processor) Process(ctx context.Context, task tasks.FileProcessingTask) error {
	pool, err := p.pools.Resolve(database.BySchema(task.Schema))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "ingest-*"+filepath.Ext(task.FileName))
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	log.Infof("[Processor] 从MinIO下载文件, schema: %s, object: %s", task.Schema, task.ObjectName)
	if err := p.store.Download(ctx, task.Schema, task.ObjectName, tmpPath); err != nil {
		return errs.Upstream("Process", errs.CodeStorage, map[string]any{"object": task.ObjectName, "schema": task.Schema}, err)
	}

	return p.Ingest(ctx, pool, IngestTask{
		FilePath:     tmpPath,
		FileUploadID: task.FileUploadID,
		MimeType:     task.MimeType,
		Schema:       task.Schema,
	})
}
