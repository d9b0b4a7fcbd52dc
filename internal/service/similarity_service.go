package service

import (
	"context"
	"strings"

	"backstage-go/internal/config"
	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

// SimilarityService 是语义检索入口。检索只是辅助功能，输入不合法或索引尚未建立时返回空结果。
type SimilarityService interface {
	FindSimilarTurns(ctx context.Context, pool *database.Pool, query []float32, opts repository.SimilarityOptions) ([]model.SimilarTurn, error)
	RelatedMessages(ctx context.Context, pool *database.Pool, turnID int64, limit int, threshold float64) ([]model.SimilarTurn, error)
	ContextFromOtherTopics(ctx context.Context, pool *database.Pool, query []float32, topicID int64, limit int) ([]model.SimilarTurn, error)
	SearchFiles(ctx context.Context, pool *database.Pool, query string, limit int, threshold float64) ([]model.FileChunkMatch, error)
}

type similarityService struct {
	turnRepo   repository.TurnRepository
	vectorRepo repository.FileVectorRepository
	indexer    VectorIndexer
	cfg        config.SearchConfig
}

// NewSimilarityService 创建一个新的 SimilarityService 实例。
func NewSimilarityService(turnRepo repository.TurnRepository, vectorRepo repository.FileVectorRepository, indexer VectorIndexer, cfg config.SearchConfig) SimilarityService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.TurnThreshold <= 0 {
		cfg.TurnThreshold = 0.95
	}
	if cfg.FileThreshold <= 0 {
		cfg.FileThreshold = 0.3
	}
	return &similarityService{turnRepo: turnRepo, vectorRepo: vectorRepo, indexer: indexer, cfg: cfg}
}

func (s *similarityService) FindSimilarTurns(ctx context.Context, pool *database.Pool, query []float32, opts repository.SimilarityOptions) ([]model.SimilarTurn, error) {
	if len(query) == 0 || opts.Limit <= 0 {
		return []model.SimilarTurn{}, nil
	}
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.TurnThreshold
	}
	rows, err := s.turnRepo.FindSimilar(ctx, pool, query, opts)
	if err != nil {
		if errs.IsCode(err, errs.CodeRelationMissing) || errs.IsCode(err, errs.CodeValidation) {
			log.Warnf("[SimilarityService] 相似消息检索降级为空结果, schema: %s, error: %v", pool.Schema, err)
			return []model.SimilarTurn{}, nil
		}
		return nil, err
	}
	return rows, nil
}

// RelatedMessages 返回与指定消息相近的同话题消息，不包含它本身。
func (s *similarityService) RelatedMessages(ctx context.Context, pool *database.Pool, turnID int64, limit int, threshold float64) ([]model.SimilarTurn, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	turn, err := s.turnRepo.GetByID(ctx, pool, turnID)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, errs.NotFound("RelatedMessages", "turn not found", map[string]any{"turnId": turnID, "schema": pool.Schema})
	}
	if !turn.HasVector() {
		return []model.SimilarTurn{}, nil
	}
	return s.FindSimilarTurns(ctx, pool, turn.ContentVector.Slice(), repository.SimilarityOptions{
		Limit:     limit,
		Threshold: threshold,
		ExcludeID: turn.ID,
		Scope:     repository.ScopeTopic,
		TopicID:   turn.TopicID,
	})
}

// ContextFromOtherTopics 检索其他话题中的助手回复，作为生成回复时的参考。
func (s *similarityService) ContextFromOtherTopics(ctx context.Context, pool *database.Pool, query []float32, topicID int64, limit int) ([]model.SimilarTurn, error) {
	return s.FindSimilarTurns(ctx, pool, query, repository.SimilarityOptions{
		Limit:           limit,
		Threshold:       s.cfg.TurnThreshold,
		Scope:           repository.ScopeOtherTopics,
		TopicID:         topicID,
		MessageType:     int(model.MessageTypeAssistant),
		ExcludeComments: true,
	})
}

func (s *similarityService) SearchFiles(ctx context.Context, pool *database.Pool, query string, limit int, threshold float64) ([]model.FileChunkMatch, error) {
	if strings.TrimSpace(query) == "" {
		return []model.FileChunkMatch{}, nil
	}
	if limit <= 0 {
		limit = 5
	}
	if threshold <= 0 {
		threshold = s.cfg.FileThreshold
	}
	vec, err := s.indexer.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.vectorRepo.SearchSimilar(ctx, pool, vec, repository.FileSearchOptions{Limit: limit, Threshold: threshold})
	if err != nil {
		if errs.IsCode(err, errs.CodeRelationMissing) {
			log.Warnf("[SimilarityService] 文件检索降级为空结果, schema: %s, error: %v", pool.Schema, err)
			return []model.FileChunkMatch{}, nil
		}
		return nil, err
	}
	return rows, nil
}
