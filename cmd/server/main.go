// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"backstage-go/internal/config"
	"backstage-go/internal/handler"
	"backstage-go/internal/middleware"
	"backstage-go/internal/pipeline"
	"backstage-go/internal/repository"
	"backstage-go/internal/service"
	"backstage-go/pkg/database"
	"backstage-go/pkg/embedding"
	"backstage-go/pkg/kafka"
	"backstage-go/pkg/llm"
	"backstage-go/pkg/log"
	"backstage-go/pkg/storage"
	"backstage-go/pkg/tenant"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("BACKSTAGE_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 租户解析与连接池
	resolver := tenant.FromConfig(cfg.Tenancy)
	pools := database.NewPoolManager(cfg.Database.Postgres, resolver.Allowed)

	// 4. Redis 可选：没有 Redis 时处理状态只记录在本进程内
	var rdb *redis.Client
	var tracker pipeline.ProcessingTracker
	if cfg.Database.Redis.Addr != "" {
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := database.NewRedis(pingCtx, cfg.Database.Redis)
		cancelPing()
		if err != nil {
			log.Warnf("Redis 不可用, 使用进程内处理状态: %v", err)
		} else {
			rdb = client
			tracker = pipeline.NewRedisTracker(rdb, cfg.Ingestion.ProcessingTTL)
		}
	}
	if tracker == nil {
		tracker = pipeline.NewMemoryTracker()
	}

	store, err := storage.NewMinIO(cfg.MinIO)
	if err != nil {
		log.Fatal("MinIO 初始化失败", err)
	}

	// 5. 初始化 Repository 和外部客户端
	turnRepo := repository.NewTurnRepository(cfg.Search.DistanceMetric)
	uploadRepo := repository.NewFileUploadRepository()
	vectorRepo := repository.NewFileVectorRepository(cfg.Search.DistanceMetric)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	// 6. 初始化 Service (依赖注入)
	indexer := service.NewVectorIndexer(embeddingClient, uploadRepo, vectorRepo, nil)
	turnService := service.NewTurnService(turnRepo, indexer, time.Minute)
	similarityService := service.NewSimilarityService(turnRepo, vectorRepo, indexer, cfg.Search)
	chatService := service.NewChatService(turnService, turnRepo, similarityService, llmClient, cfg.LLM)

	// 7. 文件处理流水线
	processor := pipeline.NewProcessor(indexer, pools, store, tracker, cfg.Ingestion)
	var producer *kafka.Producer
	var dispatcher *pipeline.Dispatcher
	if cfg.Kafka.Enabled() {
		producer = kafka.NewProducer(cfg.Kafka)
		dispatcher = pipeline.NewDispatcher(processor, producer, cfg.Ingestion.Timeout)
	} else {
		log.Info("未配置 Kafka, 文件处理在进程内异步执行")
		dispatcher = pipeline.NewDispatcher(processor, nil, cfg.Ingestion.Timeout)
	}
	fileService := service.NewFileService(uploadRepo, vectorRepo, store, dispatcher)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled() {
		go func() {
			defer close(consumerDone)
			kafka.NewConsumer(processor, rdb).StartConsumer(bgCtx, cfg.Kafka)
		}()
	} else {
		close(consumerDone)
	}

	// 7.1 导入 initfile/<schema>/ 下的种子文件，已存在同名文件则跳过
	go initSeedFiles(bgCtx, "initfile", cfg.Ingestion.UploadDir, resolver, pools, fileService)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	handler.RegisterRoutes(r, resolver, pools, handler.Services{
		Turns:      turnService,
		Similarity: similarityService,
		Chat:       chatService,
		Files:      fileService,
		Ingestion:  cfg.Ingestion,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止消费者，等待进行中的后台任务
	cancelBg()
	<-consumerDone
	dispatcher.Wait()
	turnService.Wait()

	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := pools.Close(); err != nil {
		log.Errorf("关闭数据库连接池失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// initSeedFiles 扫描 dir/<schema>/ 下的文件并通过标准上传流程导入（按文件名幂等）。
func initSeedFiles(ctx context.Context, dir, uploadDir string, resolver *tenant.Resolver, pools *database.PoolManager, files service.FileService) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		schema := entry.Name()
		if !resolver.Allowed(schema) {
			log.Warnf("initSeedFiles: 未知的 schema '%s'，跳过", schema)
			continue
		}
		pool, err := pools.GetPool(schema)
		if err != nil {
			log.Warnf("initSeedFiles: 获取连接池失败, schema: %s, err=%v", schema, err)
			continue
		}

		existing := make(map[string]bool)
		if records, err := files.List(ctx, pool, 1000, 0); err == nil {
			for _, rec := range records {
				existing[rec.Filename] = true
			}
		} else {
			log.Warnf("initSeedFiles: 读取已有文件失败, schema: %s, err=%v", schema, err)
			continue
		}

		walkErr := filepath.WalkDir(filepath.Join(dir, schema), func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			name := d.Name()
			if existing[name] {
				log.Infof("initSeedFiles: 已存在，跳过: %s/%s", schema, name)
				return nil
			}

			// 上传流程会删除本地文件，这里先复制一份
			local, size, err := copyToUploadDir(path, uploadDir)
			if err != nil {
				log.Warnf("initSeedFiles: 复制文件失败: %s, err=%v", path, err)
				return nil
			}
			if size == 0 {
				_ = os.Remove(local)
				log.Infof("initSeedFiles: 空文件跳过: %s", path)
				return nil
			}

			mimeType := mime.TypeByExtension(filepath.Ext(name))
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			record, err := files.Upload(ctx, pool, service.UploadRequest{
				LocalPath:    local,
				OriginalName: name,
				MimeType:     mimeType,
				Size:         size,
				Tags:         []string{"seed"},
			})
			if err != nil {
				log.Warnf("initSeedFiles: 导入失败: %s, err=%v", path, err)
				return nil
			}
			log.Infof("initSeedFiles: 导入完成并已触发向量化: %s/%s (id=%d)", schema, name, record.ID)
			return nil
		})
		if walkErr != nil {
			log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
			return
		}
	}
}

func copyToUploadDir(src, uploadDir string) (string, int64, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.CreateTemp(uploadDir, "seed-*"+filepath.Ext(src))
	if err != nil {
		return "", 0, err
	}
	n, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(out.Name())
		return "", 0, err
	}
	return out.Name(), n, nil
}
