package service

import (
	"context"
	"fmt"
	"strings"

	"backstage-go/internal/config"
	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/llm"
	"backstage-go/pkg/log"
)

const defaultSystemPrompt = "You are a helpful participant in a group discussion. Answer concisely and stay on topic."

// ReplyRequest 描述一次助手回复。UserTurn 是刚写入的用户消息，其向量用于检索其他话题的参考内容。
type ReplyRequest struct {
	TopicID  int64
	AvatarID int64
	LLMID    *int64
	UserTurn *model.Turn
}

// ChatService 定义了生成助手回复的接口。
type ChatService interface {
	Reply(ctx context.Context, pool *database.Pool, req ReplyRequest) (*model.Turn, error)
}

type chatService struct {
	turnService TurnService
	turnRepo    repository.TurnRepository
	similarity  SimilarityService
	llmClient   llm.Client
	cfg         config.LLMConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(turnService TurnService, turnRepo repository.TurnRepository, similarity SimilarityService, llmClient llm.Client, cfg config.LLMConfig) ChatService {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 20
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 5
	}
	return &chatService{
		turnService: turnService,
		turnRepo:    turnRepo,
		similarity:  similarity,
		llmClient:   llmClient,
		cfg:         cfg,
	}
}

func (s *chatService) Reply(ctx context.Context, pool *database.Pool, req ReplyRequest) (*model.Turn, error) {
	log.Infof("[ChatService] 开始生成回复, topic: %d, schema: %s", req.TopicID, pool.Schema)

	// 1. 话题中最近的对话
	history, err := s.turnRepo.RecentConversation(ctx, pool, req.TopicID, s.cfg.HistoryTurns)
	if err != nil {
		return nil, err
	}

	// 2. 其他话题中相近的助手回复
	var related []model.SimilarTurn
	if req.UserTurn != nil && req.UserTurn.HasVector() {
		related, err = s.similarity.ContextFromOtherTopics(ctx, pool, req.UserTurn.ContentVector.Slice(), req.TopicID, s.cfg.ContextTurns)
		if err != nil {
			log.Warnf("[ChatService] 检索参考内容失败, 继续生成, error: %v", err)
			related = nil
		}
	}

	// 3. 调用 LLM
	messages := s.composeMessages(history, related)
	answer, err := s.llmClient.Complete(ctx, messages, llm.ParamsFromConfig(s.cfg.Generation))
	if err != nil {
		return nil, errs.Upstream("Reply", errs.CodeLLM, map[string]any{"topicId": req.TopicID}, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, errs.Upstream("Reply", errs.CodeLLM, map[string]any{"topicId": req.TopicID}, fmt.Errorf("empty completion"))
	}

	// 4. 写入助手消息，向量在后台生成
	return s.turnService.StoreMessage(ctx, pool, StoreMessageRequest{
		TopicID:     req.TopicID,
		AvatarID:    req.AvatarID,
		LLMID:       req.LLMID,
		Content:     answer,
		IsAssistant: true,
	})
}

func (s *chatService) composeMessages(history []model.Turn, related []model.SimilarTurn) []llm.Message {
	msgs := make([]llm.Message, 0, s.cfg.HistoryTurns+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: s.buildSystemMessage(related)})

	// 评论不属于对话内容
	conversation := make([]model.Turn, 0, len(history))
	for _, t := range history {
		if !t.IsComment() {
			conversation = append(conversation, t)
		}
	}
	if len(conversation) > s.cfg.HistoryTurns {
		conversation = conversation[len(conversation)-s.cfg.HistoryTurns:]
	}
	for _, t := range conversation {
		role := "user"
		if t.MessageTypeID == model.MessageTypeAssistant {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.ContentText})
	}
	return msgs
}

func (s *chatService) buildSystemMessage(related []model.SimilarTurn) string {
	prompt := s.cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if len(related) == 0 {
		return prompt
	}

	const maxSnippetLen = 1000
	var sys strings.Builder
	sys.WriteString(prompt)
	sys.WriteString("\n\nRelated answers from other topics:\n")
	for i, r := range related {
		snippet := []rune(r.ContentText)
		if len(snippet) > maxSnippetLen {
			snippet = append(snippet[:maxSnippetLen], '…')
		}
		label := "unknown topic"
		if r.TopicPath != nil && *r.TopicPath != "" {
			label = *r.TopicPath
		}
		fmt.Fprintf(&sys, "[%d] (%s, similarity %.2f) %s\n", i+1, label, r.Similarity, string(snippet))
	}
	return sys.String()
}
