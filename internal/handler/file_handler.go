package handler

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"backstage-go/internal/config"
	"backstage-go/internal/service"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

// FileHandler 负责处理所有与文件相关的 API 请求。
type FileHandler struct {
	fileService service.FileService
	turnService service.TurnService
	similarity  service.SimilarityService
	cfg         config.IngestionConfig
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(fileService service.FileService, turnService service.TurnService, similarity service.SimilarityService, cfg config.IngestionConfig) *FileHandler {
	return &FileHandler{fileService: fileService, turnService: turnService, similarity: similarity, cfg: cfg}
}

// Upload 处理 multipart 文件上传。可选的 topicId 和 avatarId 会在话题中写入一条文件消息。
func (h *FileHandler) Upload(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "UploadFile", "no file provided")
		return
	}
	if h.cfg.MaxUploadSize > 0 && fh.Size > h.cfg.MaxUploadSize {
		respondError(c, "UploadFile", errs.New(http.StatusRequestEntityTooLarge, errs.CodeValidation, "UploadFile",
			"file too large", map[string]any{"size": fh.Size, "max": h.cfg.MaxUploadSize}, nil))
		return
	}

	uploadDir := h.cfg.UploadDir
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		respondError(c, "UploadFile", err)
		return
	}
	localPath := filepath.Join(uploadDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), service.SanitizeFilename(fh.Filename)))
	if err := c.SaveUploadedFile(fh, localPath); err != nil {
		respondError(c, "UploadFile", err)
		return
	}
	log.Infof("[FileHandler] 收到上传文件, name: %s, size: %d, schema: %s", fh.Filename, fh.Size, pool.Schema)

	record, err := h.fileService.Upload(c.Request.Context(), pool, service.UploadRequest{
		LocalPath:         localPath,
		OriginalName:      fh.Filename,
		MimeType:          detectMime(fh.Header.Get("Content-Type"), fh.Filename),
		Size:              fh.Size,
		Description:       c.PostForm("description"),
		Tags:              parseTags(c.PostFormArray("tags")),
		SkipVectorization: c.PostForm("skipVectorization") == "true",
	})
	if err != nil {
		respondError(c, "UploadFile", err)
		return
	}

	data := gin.H{"file": record}
	topicID, _ := strconv.ParseInt(c.PostForm("topicId"), 10, 64)
	avatarID, _ := strconv.ParseInt(c.PostForm("avatarId"), 10, 64)
	if topicID > 0 && avatarID > 0 {
		turn, err := h.turnService.StoreFileNotice(c.Request.Context(), pool, topicID, avatarID, nil, record)
		if err != nil {
			log.Warnf("[FileHandler] 写入文件消息失败, topic: %d, error: %v", topicID, err)
		} else {
			data["turn"] = turn
		}
	}
	respondOK(c, http.StatusCreated, "文件上传成功", data)
}

func (h *FileHandler) List(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	files, err := h.fileService.List(c.Request.Context(), pool, limitQuery(c), intQuery(c, "offset", 0))
	if err != nil {
		respondError(c, "ListFiles", err)
		return
	}
	respondOK(c, http.StatusOK, "获取文件列表成功", files)
}

func (h *FileHandler) Get(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "fileId")
	if !ok {
		return
	}
	file, err := h.fileService.Get(c.Request.Context(), pool, id)
	if err != nil {
		respondError(c, "GetFile", err)
		return
	}
	respondOK(c, http.StatusOK, "success", file)
}

func (h *FileHandler) Chunks(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "fileId")
	if !ok {
		return
	}
	chunks, err := h.fileService.Chunks(c.Request.Context(), pool, id)
	if err != nil {
		respondError(c, "FileChunks", err)
		return
	}
	respondOK(c, http.StatusOK, "success", chunks)
}

// Download 重定向到限时下载地址。
func (h *FileHandler) Download(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "fileId")
	if !ok {
		return
	}
	u, err := h.fileService.DownloadURL(c.Request.Context(), pool, id)
	if err != nil {
		respondError(c, "DownloadFile", err)
		return
	}
	c.Redirect(http.StatusFound, u)
}

func (h *FileHandler) Delete(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "fileId")
	if !ok {
		return
	}
	if err := h.fileService.Delete(c.Request.Context(), pool, id); err != nil {
		respondError(c, "DeleteFile", err)
		return
	}
	respondOK(c, http.StatusOK, "文件已删除", gin.H{"id": id})
}

// Search 对文件分块做语义检索。
func (h *FileHandler) Search(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		badRequest(c, "SearchFiles", "query parameter q is required")
		return
	}
	matches, err := h.similarity.SearchFiles(c.Request.Context(), pool, query, limitQuery(c), floatQuery(c, "threshold"))
	if err != nil {
		respondError(c, "SearchFiles", err)
		return
	}
	log.Infof("[FileHandler] 文件检索完成, query: '%s', 返回 %d 条结果", query, len(matches))
	respondOK(c, http.StatusOK, "success", matches)
}

// detectMime 浏览器没有给出有效类型时按扩展名推断。
func detectMime(header, filename string) string {
	if header != "" && header != "application/octet-stream" {
		return header
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		return t
	}
	if header != "" {
		return header
	}
	return "application/octet-stream"
}

// parseTags 同时支持重复字段和逗号分隔。
func parseTags(raw []string) []string {
	tags := make([]string, 0, len(raw))
	seen := make(map[string]struct{})
	for _, r := range raw {
		for _, t := range strings.Split(r, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	return tags
}
