package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"backstage-go/internal/model"
	"backstage-go/internal/service"
	"backstage-go/pkg/log"
	"backstage-go/pkg/vector"
)

// TurnHandler 负责话题消息相关的 API 请求。
type TurnHandler struct {
	turnService service.TurnService
	similarity  service.SimilarityService
	chatService service.ChatService
}

// NewTurnHandler 创建一个新的 TurnHandler 实例。
func NewTurnHandler(turnService service.TurnService, similarity service.SimilarityService, chatService service.ChatService) *TurnHandler {
	return &TurnHandler{turnService: turnService, similarity: similarity, chatService: chatService}
}

// CreateTurnRequest 定义了写入消息 API 的请求体结构。
type CreateTurnRequest struct {
	AvatarID      int64    `json:"avatarId" binding:"required"`
	ParticipantID *int64   `json:"participantId"`
	LLMID         *int64   `json:"llmId"`
	Content       string   `json:"content" binding:"required"`
	IsComment     bool     `json:"isComment"`
	TurnIndex     *float64 `json:"turnIndex"`
}

// UpdateVectorRequest 的 vector 是数字数组，长度不足或超出时规整到固定维度。
type UpdateVectorRequest struct {
	Vector json.RawMessage `json:"vector" binding:"required"`
}

func (h *TurnHandler) ListTurns(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	topicID, ok := int64Param(c, "topicId")
	if !ok {
		return
	}
	turns, err := h.turnService.ListTurns(c.Request.Context(), pool, topicID, limitQuery(c))
	if err != nil {
		respondError(c, "ListTurns", err)
		return
	}
	respondOK(c, http.StatusOK, "success", turns)
}

func (h *TurnHandler) NextIndex(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	topicID, ok := int64Param(c, "topicId")
	if !ok {
		return
	}
	idx, err := h.turnService.NextTurnIndex(c.Request.Context(), pool, topicID)
	if err != nil {
		respondError(c, "NextIndex", err)
		return
	}
	respondOK(c, http.StatusOK, "success", gin.H{"topicId": topicID, "nextIndex": idx})
}

// CreateTurn 写入一条消息。查询参数 respond=true 时随后生成助手回复。
func (h *TurnHandler) CreateTurn(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	topicID, ok := int64Param(c, "topicId")
	if !ok {
		return
	}
	var req CreateTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "CreateTurn", "invalid request body")
		return
	}

	turn, err := h.turnService.StoreMessage(c.Request.Context(), pool, service.StoreMessageRequest{
		TopicID:       topicID,
		AvatarID:      req.AvatarID,
		ParticipantID: req.ParticipantID,
		LLMID:         req.LLMID,
		Content:       req.Content,
		IsComment:     req.IsComment,
		TurnIndex:     req.TurnIndex,
	})
	if err != nil {
		respondError(c, "CreateTurn", err)
		return
	}

	data := gin.H{"turn": turn}
	if c.Query("respond") == "true" && !turn.IsComment() && h.chatService != nil {
		reply, err := h.chatService.Reply(c.Request.Context(), pool, service.ReplyRequest{
			TopicID:  topicID,
			AvatarID: req.AvatarID,
			LLMID:    req.LLMID,
			UserTurn: turn,
		})
		if err != nil {
			// 用户消息已经写入，回复失败单独报告
			log.Warnf("[TurnHandler] 生成回复失败, topic: %d, error: %v", topicID, err)
			data["replyError"] = err.Error()
		} else {
			data["reply"] = reply
		}
	}
	respondOK(c, http.StatusCreated, "消息已保存", data)
}

func (h *TurnHandler) GetTurn(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "turnId")
	if !ok {
		return
	}
	turn, err := h.turnService.GetTurn(c.Request.Context(), pool, id)
	if err != nil {
		respondError(c, "GetTurn", err)
		return
	}
	respondOK(c, http.StatusOK, "success", turn)
}

func (h *TurnHandler) UpdateVector(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "turnId")
	if !ok {
		return
	}
	var req UpdateVectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "UpdateVector", "invalid request body")
		return
	}
	vec, err := vector.FromAny(req.Vector)
	if err != nil {
		respondError(c, "UpdateVector", err)
		return
	}
	turn, err := h.turnService.UpdateTurnVector(c.Request.Context(), pool, id, vec)
	if err != nil {
		respondError(c, "UpdateVector", err)
		return
	}
	respondOK(c, http.StatusOK, "向量已更新", gin.H{"id": turn.ID, "hasVector": turn.HasVector()})
}

// Related 返回同话题中与该消息相近的消息。
func (h *TurnHandler) Related(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	id, ok := int64Param(c, "turnId")
	if !ok {
		return
	}
	related, err := h.similarity.RelatedMessages(c.Request.Context(), pool, id, limitQuery(c), floatQuery(c, "threshold"))
	if err != nil {
		respondError(c, "Related", err)
		return
	}
	if related == nil {
		related = []model.SimilarTurn{}
	}
	respondOK(c, http.StatusOK, "success", related)
}
