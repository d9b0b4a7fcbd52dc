package handler

import (
	"github.com/gin-gonic/gin"

	"backstage-go/internal/config"
	"backstage-go/internal/middleware"
	"backstage-go/internal/service"
)

// Services 汇总路由需要的业务服务。
type Services struct {
	Turns      service.TurnService
	Similarity service.SimilarityService
	Chat       service.ChatService
	Files      service.FileService
	Ingestion  config.IngestionConfig
}

// RegisterRoutes 注册 /api/v1 下的所有路由，每个请求先经过租户解析。
func RegisterRoutes(r *gin.Engine, resolver middleware.SchemaResolver, pools middleware.PoolProvider, svc Services) {
	turnHandler := NewTurnHandler(svc.Turns, svc.Similarity, svc.Chat)
	fileHandler := NewFileHandler(svc.Files, svc.Turns, svc.Similarity, svc.Ingestion)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.TenantPool(resolver, pools))
	{
		apiV1.GET("/healthz", Health)

		topics := apiV1.Group("/topics/:topicId")
		{
			topics.GET("/turns", turnHandler.ListTurns)
			topics.POST("/turns", turnHandler.CreateTurn)
			topics.GET("/next-index", turnHandler.NextIndex)
		}

		turns := apiV1.Group("/turns/:turnId")
		{
			turns.GET("", turnHandler.GetTurn)
			turns.PUT("/vector", turnHandler.UpdateVector)
			turns.GET("/related", turnHandler.Related)
		}

		files := apiV1.Group("/files")
		{
			files.POST("", fileHandler.Upload)
			files.GET("", fileHandler.List)
			files.GET("/search", fileHandler.Search)
			files.GET("/:fileId", fileHandler.Get)
			files.GET("/:fileId/chunks", fileHandler.Chunks)
			files.GET("/:fileId/download", fileHandler.Download)
			files.DELETE("/:fileId", fileHandler.Delete)
		}
	}
}
