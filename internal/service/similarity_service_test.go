package service

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backstage-go/internal/config"
	"backstage-go/internal/model"
	"backstage-go/internal/repository"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
)

func newTestSimilarity(turns *fakeTurnRepo, vectors *fakeVectorRepo, emb *fakeEmbedder) SimilarityService {
	idx := NewVectorIndexer(emb, newFakeUploadRepo(), vectors, nil)
	return NewSimilarityService(turns, vectors, idx, config.SearchConfig{})
}

func TestFindSimilarTurnsEmptyInput(t *testing.T) {
	turns := newFakeTurnRepo()
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})
	pool := database.NewPool("dev", nil, 0)

	rows, err := svc.FindSimilarTurns(context.Background(), pool, nil, repository.SimilarityOptions{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = svc.FindSimilarTurns(context.Background(), pool, []float32{1}, repository.SimilarityOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, turns.lastOpts.Limit)
}

func TestFindSimilarTurnsDefaultsThreshold(t *testing.T) {
	turns := newFakeTurnRepo()
	turns.similar = []model.SimilarTurn{{ID: 7, Distance: 0.2, Similarity: 0.8}}
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})

	rows, err := svc.FindSimilarTurns(context.Background(), database.NewPool("dev", nil, 0), []float32{1}, repository.SimilarityOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.95, turns.lastOpts.Threshold)
}

func TestFindSimilarTurnsDegradesOnMissingRelation(t *testing.T) {
	turns := newFakeTurnRepo()
	turns.similarErr = errs.Database("FindSimilar", errs.CodeRelationMissing, nil, assert.AnError)
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})

	rows, err := svc.FindSimilarTurns(context.Background(), database.NewPool("dev", nil, 0), []float32{1}, repository.SimilarityOptions{Limit: 3})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestFindSimilarTurnsPropagatesConnectionErrors(t *testing.T) {
	turns := newFakeTurnRepo()
	turns.similarErr = errs.Database("FindSimilar", errs.CodeConnection, nil, assert.AnError)
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})

	_, err := svc.FindSimilarTurns(context.Background(), database.NewPool("dev", nil, 0), []float32{1}, repository.SimilarityOptions{Limit: 3})
	assert.Equal(t, errs.CodeConnection, errs.CodeOf(err))
}

func TestRelatedMessages(t *testing.T) {
	turns := newFakeTurnRepo()
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})
	pool := database.NewPool("bsa", nil, 0)
	ctx := context.Background()

	_, err := svc.RelatedMessages(ctx, pool, 99, 5, 0)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	turns.turns[1] = &model.Turn{ID: 1, TopicID: 4}
	rows, err := svc.RelatedMessages(ctx, pool, 1, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	v := pgvector.NewVector([]float32{0.5, 0.5})
	turns.turns[2] = &model.Turn{ID: 2, TopicID: 4, ContentVector: &v}
	_, err = svc.RelatedMessages(ctx, pool, 2, 0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, repository.SimilarityOptions{
		Limit:     10,
		Threshold: 0.5,
		ExcludeID: 2,
		Scope:     repository.ScopeTopic,
		TopicID:   4,
	}, turns.lastOpts)
}

func TestContextFromOtherTopicsOptions(t *testing.T) {
	turns := newFakeTurnRepo()
	svc := newTestSimilarity(turns, &fakeVectorRepo{}, &fakeEmbedder{})

	_, err := svc.ContextFromOtherTopics(context.Background(), database.NewPool("dev", nil, 0), []float32{1}, 8, 5)
	require.NoError(t, err)
	assert.Equal(t, repository.ScopeOtherTopics, turns.lastOpts.Scope)
	assert.Equal(t, int64(8), turns.lastOpts.TopicID)
	assert.Equal(t, int(model.MessageTypeAssistant), turns.lastOpts.MessageType)
	assert.True(t, turns.lastOpts.ExcludeComments)
}

func TestSearchFiles(t *testing.T) {
	vectors := &fakeVectorRepo{}
	emb := &fakeEmbedder{}
	svc := newTestSimilarity(newFakeTurnRepo(), vectors, emb)
	pool := database.NewPool("dev", nil, 0)

	rows, err := svc.SearchFiles(context.Background(), pool, "  ", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, emb.calls)

	rows, err = svc.SearchFiles(context.Background(), pool, "budget", 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, repository.FileSearchOptions{Limit: 5, Threshold: 0.3}, vectors.searchOpts)

	vectors.searchErr = errs.Database("SearchSimilar", errs.CodeRelationMissing, nil, assert.AnError)
	rows, err = svc.SearchFiles(context.Background(), pool, "budget", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
