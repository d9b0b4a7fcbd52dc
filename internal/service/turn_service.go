package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

const commentMarker = "comment"

// ParseComment 判断一条消息是否为评论：显式标记，或首行（去空白、忽略大小写）等于 "comment"。
// 返回去掉标记行后的正文。
func ParseComment(raw string, explicit bool) (string, bool) {
	first, rest, found := strings.Cut(raw, "\n")
	if strings.EqualFold(strings.TrimSpace(first), commentMarker) {
		if !found {
			return "", true
		}
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(raw), explicit
}

// StoreMessageRequest 是写入一条话题消息的参数。
type StoreMessageRequest struct {
	TopicID       int64
	AvatarID      int64
	ParticipantID *int64
	LLMID         *int64
	Content       string
	IsAssistant   bool
	IsComment     bool
	// TurnIndex 仅对评论生效，允许小数以插入到两条消息之间。
	TurnIndex *float64
}

// TurnService 定义了话题消息的业务接口。
type TurnService interface {
	StoreMessage(ctx context.Context, pool *database.Pool, req StoreMessageRequest) (*model.Turn, error)
	StoreFileNotice(ctx context.Context, pool *database.Pool, topicID, avatarID int64, participantID *int64, file *model.FileUpload) (*model.Turn, error)
	NextTurnIndex(ctx context.Context, pool *database.Pool, topicID int64) (float64, error)
	ListTurns(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error)
	GetTurn(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error)
	UpdateTurnVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error)
	// ScheduleVectorUpdate 在后台为消息生成向量，失败只记录日志。
	ScheduleVectorUpdate(pool *database.Pool, turnID int64, text string)
	// Wait 等待所有后台向量任务结束。
	Wait()
}

type turnService struct {
	turnRepo repository.TurnRepository
	indexer  VectorIndexer
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewTurnService 创建一个新的 TurnService。timeout 约束后台向量任务。
func NewTurnService(turnRepo repository.TurnRepository, indexer VectorIndexer, timeout time.Duration) TurnService {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &turnService{turnRepo: turnRepo, indexer: indexer, timeout: timeout}
}

func (s *turnService) StoreMessage(ctx context.Context, pool *database.Pool, req StoreMessageRequest) (*model.Turn, error) {
	content, isComment := ParseComment(req.Content, req.IsComment)
	if content == "" {
		return nil, errs.Validation("StoreMessage", "content must not be empty", map[string]any{"topicId": req.TopicID})
	}

	nt := model.NewTurn{
		TopicID:       req.TopicID,
		AvatarID:      req.AvatarID,
		ParticipantID: req.ParticipantID,
		LLMID:         req.LLMID,
		ContentText:   content,
		TurnKind:      model.TurnKindRegular,
		MessageType:   model.MessageTypeUser,
	}

	if isComment {
		nt.TurnKind = model.TurnKindComment
		if req.TurnIndex != nil {
			if *req.TurnIndex <= 0 {
				return nil, errs.Validation("StoreMessage", "turn index must be positive", map[string]any{"turnIndex": *req.TurnIndex})
			}
			nt.TurnIndex = *req.TurnIndex
			log.Infof("[TurnService] 写入评论, topic: %d, turn_index: %v, schema: %s", req.TopicID, nt.TurnIndex, pool.Schema)
			return s.turnRepo.Create(ctx, pool, nt)
		}
		return s.turnRepo.Append(ctx, pool, nt)
	}

	if req.IsAssistant {
		nt.MessageType = model.MessageTypeAssistant
		turn, err := s.turnRepo.Append(ctx, pool, nt)
		if err != nil {
			return nil, err
		}
		s.ScheduleVectorUpdate(pool, turn.ID, turn.ContentText)
		return turn, nil
	}

	// 用户消息同步向量化，失败时不带向量写入
	vec, err := s.indexer.Embed(ctx, content)
	if err != nil {
		log.Warnf("[TurnService] 用户消息向量化失败，将不带向量写入, topic: %d, error: %v", req.TopicID, err)
	} else {
		nt.Vector = vec
	}
	return s.turnRepo.Append(ctx, pool, nt)
}

func (s *turnService) StoreFileNotice(ctx context.Context, pool *database.Pool, topicID, avatarID int64, participantID *int64, file *model.FileUpload) (*model.Turn, error) {
	if file == nil {
		return nil, errs.Validation("StoreFileNotice", "file is required", nil)
	}
	content := fmt.Sprintf("Uploaded file: %s", file.Filename)
	if file.Description != "" {
		content += "\n" + file.Description
	}
	return s.turnRepo.Append(ctx, pool, model.NewTurn{
		TopicID:       topicID,
		AvatarID:      avatarID,
		ParticipantID: participantID,
		ContentText:   content,
		TurnKind:      model.TurnKindFile,
		MessageType:   model.MessageTypeUser,
	})
}

func (s *turnService) NextTurnIndex(ctx context.Context, pool *database.Pool, topicID int64) (float64, error) {
	if topicID <= 0 {
		return 0, errs.Validation("NextTurnIndex", "topic id must be positive", map[string]any{"topicId": topicID})
	}
	return s.turnRepo.NextTurnIndex(ctx, pool, topicID)
}

func (s *turnService) ListTurns(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error) {
	return s.turnRepo.ListByTopic(ctx, pool, topicID, limit)
}

// GetTurn 不存在时返回 NotFound。
func (s *turnService) GetTurn(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error) {
	turn, err := s.turnRepo.GetByID(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, errs.NotFound("GetTurn", "turn not found", map[string]any{"turnId": id, "schema": pool.Schema})
	}
	return turn, nil
}

func (s *turnService) UpdateTurnVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error) {
	turn, err := s.turnRepo.UpdateVector(ctx, pool, id, vec)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, errs.NotFound("UpdateTurnVector", "turn not found", map[string]any{"turnId": id, "schema": pool.Schema})
	}
	return turn, nil
}

func (s *turnService) ScheduleVectorUpdate(pool *database.Pool, turnID int64, text string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		vec, err := s.indexer.Embed(ctx, text)
		if err != nil {
			log.Warnf("[TurnService] 后台向量化失败, turn: %d, schema: %s, error: %v", turnID, pool.Schema, err)
			return
		}
		if _, err := s.turnRepo.UpdateVector(ctx, pool, turnID, vec); err != nil {
			log.Warnf("[TurnService] 后台写入向量失败, turn: %d, schema: %s, error: %v", turnID, pool.Schema, err)
			return
		}
		log.Debugf("[TurnService] 消息 %d 向量已更新", turnID)
	}()
}

func (s *turnService) Wait() { s.wg.Wait() }
