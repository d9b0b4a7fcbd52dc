package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgvector/pgvector-go"

	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/llm"
	"backstage-go/pkg/tasks"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int32
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if f.vec != nil {
		return f.vec, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeUploadRepo struct {
	repository.FileUploadRepository
	exists       bool
	existsCalls  int
	existsSchema string
	records      map[int64]*model.FileUpload
	nextID       int64
	createErr    error
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{exists: true, records: make(map[int64]*model.FileUpload)}
}

func (f *fakeUploadRepo) Create(ctx context.Context, pool *database.Pool, record *model.FileUpload) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	record.ID = f.nextID
	record.CreatedAt = time.Now()
	cp := *record
	f.records[record.ID] = &cp
	return nil
}

func (f *fakeUploadRepo) GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.FileUpload, error) {
	return f.records[id], nil
}

func (f *fakeUploadRepo) Exists(ctx context.Context, pool *database.Pool, schema string, id int64) (bool, error) {
	f.existsCalls++
	f.existsSchema = schema
	return f.exists, nil
}

func (f *fakeUploadRepo) List(ctx context.Context, pool *database.Pool, limit, offset int) ([]model.FileUpload, error) {
	out := make([]model.FileUpload, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeUploadRepo) Delete(ctx context.Context, pool *database.Pool, id int64) (bool, error) {
	if _, ok := f.records[id]; !ok {
		return false, nil
	}
	delete(f.records, id)
	return true, nil
}

type fakeVectorRepo struct {
	repository.FileVectorRepository
	upsertErrs []error
	upserts    int
	schemas    []string
	deleteErr  error
	deleted    []int64
	searchErr  error
	searchOpts repository.FileSearchOptions
}

func (f *fakeVectorRepo) Upsert(ctx context.Context, pool *database.Pool, schema string, chunk model.FileUploadVector, vec []float32) (*model.FileUploadVector, error) {
	f.upserts++
	f.schemas = append(f.schemas, schema)
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		return nil, err
	}
	v := pgvector.NewVector(vec)
	chunk.ID = int64(f.upserts)
	chunk.ContentVector = &v
	return &chunk, nil
}

func (f *fakeVectorRepo) ListByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) ([]model.FileUploadVector, error) {
	return []model.FileUploadVector{{FileUploadID: fileUploadID, ChunkIndex: 0, ContentText: "chunk"}}, nil
}

func (f *fakeVectorRepo) DeleteByFile(ctx context.Context, pool *database.Pool, fileUploadID int64) (int64, error) {
	f.deleted = append(f.deleted, fileUploadID)
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return 3, nil
}

func (f *fakeVectorRepo) SearchSimilar(ctx context.Context, pool *database.Pool, query []float32, opts repository.FileSearchOptions) ([]model.FileChunkMatch, error) {
	f.searchOpts = opts
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []model.FileChunkMatch{{FileUploadID: 1, Distance: 0.1, Similarity: 0.9}}, nil
}

type fakeTurnRepo struct {
	repository.TurnRepository
	mu          sync.Mutex
	turns       map[int64]*model.Turn
	created     []model.NewTurn
	appended    []model.NewTurn
	updated     map[int64][]float32
	history     []model.Turn
	recentLimit int
	similarErr  error
	lastOpts    repository.SimilarityOptions
	similar     []model.SimilarTurn
	nextID      int64
}

func newFakeTurnRepo() *fakeTurnRepo {
	return &fakeTurnRepo{turns: make(map[int64]*model.Turn), updated: make(map[int64][]float32)}
}

func (f *fakeTurnRepo) toTurn(nt model.NewTurn, index float64) *model.Turn {
	f.nextID++
	t := &model.Turn{
		ID:            f.nextID,
		TopicID:       nt.TopicID,
		AvatarID:      nt.AvatarID,
		TurnIndex:     index,
		ContentText:   nt.ContentText,
		TurnKindID:    nt.TurnKind,
		MessageTypeID: nt.MessageType,
	}
	if len(nt.Vector) > 0 {
		v := pgvector.NewVector(nt.Vector)
		t.ContentVector = &v
	}
	f.turns[t.ID] = t
	return t
}

func (f *fakeTurnRepo) Create(ctx context.Context, pool *database.Pool, nt model.NewTurn) (*model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, nt)
	return f.toTurn(nt, nt.TurnIndex), nil
}

func (f *fakeTurnRepo) Append(ctx context.Context, pool *database.Pool, nt model.NewTurn) (*model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, nt)
	return f.toTurn(nt, float64(len(f.appended))), nil
}

func (f *fakeTurnRepo) GetByID(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[id], nil
}

func (f *fakeTurnRepo) UpdateVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.turns[id]
	if !ok {
		return nil, nil
	}
	f.updated[id] = vec
	v := pgvector.NewVector(vec)
	t.ContentVector = &v
	return t, nil
}

func (f *fakeTurnRepo) ListByTopic(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error) {
	return f.history, nil
}

func (f *fakeTurnRepo) RecentConversation(ctx context.Context, pool *database.Pool, topicID int64, limit int) ([]model.Turn, error) {
	f.recentLimit = limit
	conversation := make([]model.Turn, 0, len(f.history))
	for _, t := range f.history {
		if !t.IsComment() {
			conversation = append(conversation, t)
		}
	}
	if len(conversation) > limit {
		conversation = conversation[len(conversation)-limit:]
	}
	return conversation, nil
}

func (f *fakeTurnRepo) FindSimilar(ctx context.Context, pool *database.Pool, query []float32, opts repository.SimilarityOptions) ([]model.SimilarTurn, error) {
	f.lastOpts = opts
	if f.similarErr != nil {
		return nil, f.similarErr
	}
	return f.similar, nil
}

type fakeLLM struct {
	answer   string
	err      error
	messages []llm.Message
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.messages = messages
	return f.answer, f.err
}

type fakeStore struct {
	uploaded  []string
	removed   []string
	uploadErr error
	removeErr error
}

func (f *fakeStore) Upload(ctx context.Context, schema, objectName, localPath, contentType string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, schema+"/"+objectName)
	return "http://minio:9000/" + schema + "/" + objectName, nil
}

func (f *fakeStore) Download(ctx context.Context, schema, objectName, localPath string) error {
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, schema, objectName string) error {
	f.removed = append(f.removed, schema+"/"+objectName)
	return f.removeErr
}

func (f *fakeStore) PresignedURL(ctx context.Context, schema, objectName string, expiry time.Duration) (string, error) {
	return "http://minio:9000/" + schema + "/" + objectName + "?sig=1", nil
}

type fakeDispatcher struct {
	dispatched []tasks.FileProcessingTask
	processing bool
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, pool *database.Pool, task tasks.FileProcessingTask) error {
	f.dispatched = append(f.dispatched, task)
	return f.err
}

func (f *fakeDispatcher) IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error) {
	return f.processing, nil
}
