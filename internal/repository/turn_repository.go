package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"backstage-go/internal/model"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/vector"
)

const turnColumns = "id, topic_id, avatar_id, participant_id, llm_id, turn_index, content_text, content_vector, turn_kind_id, message_type_id, created_at"

const (
	nextTurnIndexSQL = `SELECT COALESCE(MAX(turn_index), 0) + 1 FROM grp_topic_avatar_turns WHERE topic_id = ?`

	insertTurnSQL = `INSERT INTO grp_topic_avatar_turns
	(topic_id, avatar_id, participant_id, llm_id, turn_index, content_text, content_vector, turn_kind_id, message_type_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING ` + turnColumns
)

// DefaultTurnListLimit 是 ListByTopic 的默认条数。
const DefaultTurnListLimit = 100

// TurnRepository 定义了对 grp_topic_avatar_turns 表的数据操作接口。
type TurnRepository interface {
	NextTurnIndex(ctx context.Context, pool *database.Pool, topicID int64) (float64, error)
	Create(ctx context.Context, pool *database.Pool, turn model.NewTurn) (*model.Turn, error)
	Append(ctx context.Context, pool *database.Pool, turn model.NewTurn) (*model.Turn, error)
	ListByTopic(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error)
	RecentConversation(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error)
	GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error)
	UpdateVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error)
	FindSimilar(ctx context.Context, pool *database.Pool, query []float32, opts SimilarityOptions) ([]model.SimilarTurn, error)
}

type turnRepository struct {
	distanceOp string
}

// NewTurnRepository 创建一个新的 TurnRepository 实例。metric 为 cosine 或 l2。
func NewTurnRepository(metric string) TurnRepository {
	return &turnRepository{distanceOp: DistanceOperator(metric)}
}

// NextTurnIndex 返回话题的下一个序号。只读，本身不防并发，并发写入使用 Append。
func (r *turnRepository) NextTurnIndex(ctx context.Context, pool *database.Pool, topicID int64) (float64, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var next float64
	if err := db.Raw(nextTurnIndexSQL, topicID).Scan(&next).Error; err != nil {
		return 0, errs.FromDB("NextTurnIndex", err, map[string]any{"topicId": topicID, "schema": pool.Schema})
	}
	return next, nil
}

// Create 使用调用方给定的 turn_index 写入。
func (r *turnRepository) Create(ctx context.Context, pool *database.Pool, nt model.NewTurn) (*model.Turn, error) {
	if err := validateNewTurn(nt); err != nil {
		return nil, err
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var turn model.Turn
	if err := db.Raw(insertTurnSQL, insertTurnArgs(nt)...).Scan(&turn).Error; err != nil {
		return nil, errs.FromDB("CreateTurn", err, map[string]any{"topicId": nt.TopicID, "schema": pool.Schema})
	}
	return &turn, nil
}

// Append 在同一事务内持有话题级 advisory lock 计算序号并写入，同一话题的并发写入被串行化。
func (r *turnRepository) Append(ctx context.Context, pool *database.Pool, nt model.NewTurn) (*model.Turn, error) {
	if err := validateNewTurn(nt); err != nil {
		return nil, err
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var turn model.Turn
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", nt.TopicID).Error; err != nil {
			return err
		}
		var next float64
		if err := tx.Raw(nextTurnIndexSQL, nt.TopicID).Scan(&next).Error; err != nil {
			return err
		}
		nt.TurnIndex = next
		return tx.Raw(insertTurnSQL, insertTurnArgs(nt)...).Scan(&turn).Error
	})
	if err != nil {
		return nil, errs.FromDB("AppendTurn", err, map[string]any{"topicId": nt.TopicID, "schema": pool.Schema})
	}
	return &turn, nil
}

// ListByTopic 按 turn_index 升序返回话题内的消息。
func (r *turnRepository) ListByTopic(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = DefaultTurnListLimit
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	turns := make([]model.Turn, 0)
	err := db.Raw(`SELECT `+turnColumns+` FROM grp_topic_avatar_turns
		WHERE topic_id = ?
		ORDER BY turn_index ASC, created_at ASC, id ASC
		LIMIT ?`, topicID, limit).Scan(&turns).Error
	if err != nil {
		return nil, errs.FromDB("GetTurnsByTopic", err, map[string]any{"topicId": topicID, "schema": pool.Schema})
	}
	return turns, nil
}

// RecentConversation 返回话题中最近的 limit 条非评论消息，按 turn_index 升序排列。
func (r *turnRepository) RecentConversation(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = DefaultTurnListLimit
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	turns := make([]model.Turn, 0, limit)
	err := db.Raw(`SELECT `+turnColumns+` FROM grp_topic_avatar_turns
		WHERE topic_id = ? AND turn_kind_id <> ?
		ORDER BY turn_index DESC, created_at DESC, id DESC
		LIMIT ?`, topicID, int(model.TurnKindComment), limit).Scan(&turns).Error
	if err != nil {
		return nil, errs.FromDB("GetRecentTurns", err, map[string]any{"topicId": topicID, "schema": pool.Schema})
	}
	slices.Reverse(turns)
	return turns, nil
}

// GetByID 不存在时返回 nil, nil。
func (r *turnRepository) GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error) {
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var turn model.Turn
	res := db.Raw(`SELECT `+turnColumns+` FROM grp_topic_avatar_turns WHERE id = ?`, id).Scan(&turn)
	if res.Error != nil {
		return nil, errs.FromDB("GetTurnByID", res.Error, map[string]any{"turnId": id, "schema": pool.Schema})
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &turn, nil
}

// UpdateVector 写入规整后的向量，不存在时返回 nil, nil。
func (r *turnRepository) UpdateVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error) {
	if id <= 0 {
		return nil, errs.Validation("UpdateTurnVector", "turn id must be positive", map[string]any{"turnId": id})
	}
	db, cancel := pool.WithContext(ctx)
	defer cancel()

	var turn model.Turn
	res := db.Raw(`UPDATE grp_topic_avatar_turns SET content_vector = ? WHERE id = ? RETURNING `+turnColumns,
		vector.ToPG(vec), id).Scan(&turn)
	if res.Error != nil {
		return nil, errs.FromDB("UpdateTurnVector", res.Error, map[string]any{"turnId": id, "schema": pool.Schema})
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &turn, nil
}

// FindSimilar 按距离升序返回最近邻消息，distance >= Threshold 的行在数据库端过滤掉。
func (r *turnRepository) FindSimilar(ctx context.Context, pool *database.Pool, query []float32, opts SimilarityOptions) ([]model.SimilarTurn, error) {
	sqlText, args := r.buildSimilarQuery(query, opts)

	db, cancel := pool.WithContext(ctx)
	defer cancel()

	rows := make([]model.SimilarTurn, 0)
	if err := db.Raw(sqlText, args...).Scan(&rows).Error; err != nil {
		return nil, errs.FromDB("FindSimilarTurns", err, map[string]any{"schema": pool.Schema, "excludeId": opts.ExcludeID})
	}
	for i := range rows {
		rows[i].Similarity = 1 - rows[i].Distance
	}
	return rows, nil
}

func (r *turnRepository) buildSimilarQuery(query []float32, opts SimilarityOptions) (string, []any) {
	q := vector.ToPG(query)
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT t.id, t.topic_id, tp.path AS topic_path, t.avatar_id, t.turn_index, t.content_text,
	t.turn_kind_id, t.message_type_id, t.created_at, (t.content_vector %s ?) AS distance
	FROM grp_topic_avatar_turns t
	LEFT JOIN topic_paths tp ON tp.id = t.topic_id
	WHERE t.content_vector IS NOT NULL
	AND t.content_text <> ''
	AND (t.content_vector %s ?) < ?`, r.distanceOp, r.distanceOp)
	args := []any{q, q, opts.Threshold}

	if opts.ExcludeID > 0 {
		b.WriteString(" AND t.id <> ?")
		args = append(args, opts.ExcludeID)
	}
	switch opts.Scope {
	case ScopeTopic:
		b.WriteString(" AND t.topic_id = ?")
		args = append(args, opts.TopicID)
	case ScopeOtherTopics:
		b.WriteString(" AND t.topic_id <> ?")
		args = append(args, opts.TopicID)
	}
	if opts.MessageType > 0 {
		b.WriteString(" AND t.message_type_id = ?")
		args = append(args, opts.MessageType)
	}
	if opts.ExcludeComments {
		b.WriteString(" AND t.turn_kind_id <> ?")
		args = append(args, int(model.TurnKindComment))
	}
	b.WriteString(" ORDER BY distance ASC LIMIT ?")
	args = append(args, opts.Limit)
	return b.String(), args
}

func validateNewTurn(nt model.NewTurn) error {
	ctx := map[string]any{"topicId": nt.TopicID, "avatarId": nt.AvatarID}
	switch {
	case nt.TopicID <= 0:
		return errs.Validation("CreateTurn", "topic id must be positive", ctx)
	case nt.AvatarID <= 0:
		return errs.Validation("CreateTurn", "avatar id must be positive", ctx)
	case strings.TrimSpace(nt.ContentText) == "":
		return errs.Validation("CreateTurn", "content must not be empty", ctx)
	}
	return nil
}

func insertTurnArgs(nt model.NewTurn) []any {
	var vec any
	if len(nt.Vector) > 0 {
		vec = vector.ToPG(nt.Vector)
	}
	kind := nt.TurnKind
	if kind == 0 {
		kind = model.TurnKindRegular
	}
	msgType := nt.MessageType
	if msgType == 0 {
		msgType = model.MessageTypeUser
	}
	return []any{nt.TopicID, nt.AvatarID, nt.ParticipantID, nt.LLMID, nt.TurnIndex, nt.ContentText, vec, int(kind), int(msgType)}
}
