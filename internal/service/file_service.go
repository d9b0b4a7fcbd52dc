package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
	"backstage-go/pkg/storage"
	"backstage-go/pkg/tasks"
)

const (
	DefaultFileListLimit = 50
	presignExpiry        = time.Hour
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// IngestDispatcher 把上传完成的文件交给处理流水线，由 pipeline.Dispatcher 实现。
type IngestDispatcher interface {
	Dispatch(ctx context.Context, pool *database.Pool, task tasks.FileProcessingTask) error
	IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error)
}

// UploadRequest 描述一次已落盘的上传。LocalPath 的所有权转交给服务，处理完成后删除。
type UploadRequest struct {
	LocalPath         string
	OriginalName      string
	MimeType          string
	Size              int64
	Description       string
	Tags              []string
	SkipVectorization bool
}

// FileService 接口定义了文件相关的业务操作。
type FileService interface {
	Upload(ctx context.Context, pool *database.Pool, req UploadRequest) (*model.FileUpload, error)
	Get(ctx context.Context, pool *database.Pool, id int64) (*model.FileUpload, error)
	List(ctx context.Context, pool *database.Pool, limit, offset int) ([]model.FileUpload, error)
	Chunks(ctx context.Context, pool *database.Pool, id int64) ([]model.FileUploadVector, error)
	DownloadURL(ctx context.Context, pool *database.Pool, id int64) (string, error)
	Delete(ctx context.Context, pool *database.Pool, id int64) error
}

type fileService struct {
	uploadRepo repository.FileUploadRepository
	vectorRepo repository.FileVectorRepository
	store      storage.ObjectStore
	dispatcher IngestDispatcher
	now        func() time.Time
}

// NewFileService 创建一个新的 FileService 实例。
func NewFileService(uploadRepo repository.FileUploadRepository, vectorRepo repository.FileVectorRepository, store storage.ObjectStore, dispatcher IngestDispatcher) FileService {
	return &fileService{
		uploadRepo: uploadRepo,
		vectorRepo: vectorRepo,
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// SanitizeFilename 去掉路径部分，把非安全字符替换为下划线。
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}

func (s *fileService) Upload(ctx context.Context, pool *database.Pool, req UploadRequest) (*model.FileUpload, error) {
	schema := pool.Schema
	diag := map[string]any{"schema": schema, "filename": req.OriginalName}
	if req.LocalPath == "" {
		return nil, errs.Validation("Upload", "no file provided", diag)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			_ = os.Remove(req.LocalPath)
		}
	}()

	safeName := SanitizeFilename(req.OriginalName)
	objectName := fmt.Sprintf("uploads/%d-%s", s.now().UnixMilli(), safeName)
	log.Infof("[FileService] 开始上传文件, schema: %s, object: %s, size: %d", schema, objectName, req.Size)

	// 1. 上传到租户对应的存储桶
	publicURL, err := s.store.Upload(ctx, schema, objectName, req.LocalPath, req.MimeType)
	if err != nil {
		return nil, errs.Upstream("Upload", errs.CodeStorage, diag, err)
	}

	// 2. 写入文件记录
	record := &model.FileUpload{
		Filename:    req.OriginalName,
		MimeType:    req.MimeType,
		FileSize:    req.Size,
		FilePath:    objectName,
		PublicURL:   publicURL,
		BucketName:  schema,
		Description: req.Description,
		Tags:        model.TagsJSON(req.Tags),
	}
	if err := s.uploadRepo.Create(ctx, pool, record); err != nil {
		log.Errorf("[FileService] 写入文件记录失败, 回滚存储对象, object: %s, error: %v", objectName, err)
		if rmErr := s.store.Remove(context.Background(), schema, objectName); rmErr != nil {
			log.Warnf("[FileService] 回滚存储对象失败, object: %s, error: %v", objectName, rmErr)
		}
		return nil, err
	}
	log.Infof("[FileService] 文件记录已创建, id: %d, schema: %s", record.ID, schema)

	if req.SkipVectorization {
		return record, nil
	}

	// 3. 交给处理流水线，失败不影响上传结果
	task := tasks.FileProcessingTask{
		Schema:       schema,
		FileUploadID: record.ID,
		ObjectName:   objectName,
		FileName:     safeName,
		MimeType:     req.MimeType,
		LocalPath:    req.LocalPath,
	}
	handedOff = true
	if err := s.dispatcher.Dispatch(ctx, pool, task); err != nil {
		log.Errorf("[FileService] 文件处理任务投递失败, id: %d, error: %v", record.ID, err)
	}
	return record, nil
}

func (s *fileService) Get(ctx context.Context, pool *database.Pool, id int64) (*model.FileUpload, error) {
	record, err := s.uploadRepo.GetByID(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errs.NotFound("GetFile", "file not found", map[string]any{"fileId": id, "schema": pool.Schema})
	}
	return record, nil
}

func (s *fileService) List(ctx context.Context, pool *database.Pool, limit, offset int) ([]model.FileUpload, error) {
	if limit <= 0 {
		limit = DefaultFileListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.uploadRepo.List(ctx, pool, limit, offset)
}

func (s *fileService) Chunks(ctx context.Context, pool *database.Pool, id int64) ([]model.FileUploadVector, error) {
	if _, err := s.Get(ctx, pool, id); err != nil {
		return nil, err
	}
	return s.vectorRepo.ListByFile(ctx, pool, id)
}

// DownloadURL 生成一个限时的下载地址。
func (s *fileService) DownloadURL(ctx context.Context, pool *database.Pool, id int64) (string, error) {
	record, err := s.Get(ctx, pool, id)
	if err != nil {
		return "", err
	}
	u, err := s.store.PresignedURL(ctx, record.BucketName, record.FilePath, presignExpiry)
	if err != nil {
		return "", errs.Upstream("DownloadURL", errs.CodeStorage, map[string]any{"fileId": id}, err)
	}
	return u, nil
}

// Delete 删除文件。处理中的文件返回 409；向量和存储对象的删除失败只记录日志。
func (s *fileService) Delete(ctx context.Context, pool *database.Pool, id int64) error {
	diag := map[string]any{"fileId": id, "schema": pool.Schema}

	processing, err := s.dispatcher.IsProcessing(ctx, pool.Schema, id)
	if err != nil {
		log.Warnf("[FileService] 查询处理状态失败, id: %d, error: %v", id, err)
	}
	if processing {
		return errs.Conflict("DeleteFile", errs.CodeFileInProcessing, "file is still being processed", diag)
	}

	record, err := s.Get(ctx, pool, id)
	if err != nil {
		return err
	}

	if n, err := s.vectorRepo.DeleteByFile(ctx, pool, id); err != nil {
		log.Warnf("[FileService] 删除文件向量失败, 继续删除文件, id: %d, error: %v", id, err)
	} else {
		log.Infof("[FileService] 已删除 %d 个文件向量, id: %d", n, id)
	}

	if err := s.store.Remove(ctx, record.BucketName, record.FilePath); err != nil {
		log.Warnf("[FileService] 删除存储对象失败, 继续删除文件, object: %s, error: %v", record.FilePath, err)
	}

	deleted, err := s.uploadRepo.Delete(ctx, pool, id)
	if err != nil {
		return err
	}
	if !deleted {
		return errs.NotFound("DeleteFile", "file not found", diag)
	}
	log.Infof("[FileService] 文件已删除, id: %d, schema: %s", id, pool.Schema)
	return nil
}
