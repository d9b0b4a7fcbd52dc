package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"backstage-go/internal/config"
	"backstage-go/internal/model"
	"backstage-go/internal/service"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/tenant"
)

type fakeTurns struct {
	service.TurnService
	stored      []service.StoreMessageRequest
	fileNotices int
	turns       map[int64]*model.Turn
	updatedVec  []float32
}

func (f *fakeTurns) StoreMessage(ctx context.Context, pool *database.Pool, req service.StoreMessageRequest) (*model.Turn, error) {
	f.stored = append(f.stored, req)
	kind := model.TurnKindRegular
	if req.IsComment {
		kind = model.TurnKindComment
	}
	return &model.Turn{ID: int64(len(f.stored)), TopicID: req.TopicID, ContentText: req.Content, TurnKindID: kind}, nil
}

func (f *fakeTurns) StoreFileNotice(ctx context.Context, pool *database.Pool, topicID, avatarID int64, participantID *int64, file *model.FileUpload) (*model.Turn, error) {
	f.fileNotices++
	return &model.Turn{ID: 99, TopicID: topicID, TurnKindID: model.TurnKindFile}, nil
}

func (f *fakeTurns) NextTurnIndex(ctx context.Context, pool *database.Pool, topicID int64) (float64, error) {
	return 4, nil
}

func (f *fakeTurns) GetTurn(ctx context.Context, pool *database.Pool, id int64) (*model.Turn, error) {
	if t, ok := f.turns[id]; ok {
		return t, nil
	}
	return nil, errs.NotFound("GetTurn", "turn not found", map[string]any{"turnId": id, "schema": pool.Schema})
}

func (f *fakeTurns) UpdateTurnVector(ctx context.Context, pool *database.Pool, id int64, vec []float32) (*model.Turn, error) {
	f.updatedVec = vec
	return &model.Turn{ID: id}, nil
}

type fakeChat struct{ calls int }

func (f *fakeChat) Reply(ctx context.Context, pool *database.Pool, req service.ReplyRequest) (*model.Turn, error) {
	f.calls++
	return &model.Turn{ID: 100, TopicID: req.TopicID, ContentText: "answer", MessageTypeID: model.MessageTypeAssistant}, nil
}

type fakeSimilarity struct {
	service.SimilarityService
	lastQuery string
	lastLimit int
}

func (f *fakeSimilarity) SearchFiles(ctx context.Context, pool *database.Pool, query string, limit int, threshold float64) ([]model.FileChunkMatch, error) {
	f.lastQuery = query
	f.lastLimit = limit
	return []model.FileChunkMatch{{FileUploadID: 1, Filename: "a.txt", Similarity: 0.9}}, nil
}

type fakeFiles struct {
	service.FileService
	processing bool
	uploaded   *service.UploadRequest
}

func (f *fakeFiles) Upload(ctx context.Context, pool *database.Pool, req service.UploadRequest) (*model.FileUpload, error) {
	f.uploaded = &req
	_ = os.Remove(req.LocalPath)
	return &model.FileUpload{ID: 5, Filename: req.OriginalName, BucketName: pool.Schema, MimeType: req.MimeType}, nil
}

func (f *fakeFiles) Delete(ctx context.Context, pool *database.Pool, id int64) error {
	if f.processing {
		return errs.Conflict("DeleteFile", errs.CodeFileInProcessing, "file is still being processed", map[string]any{"fileId": id})
	}
	return nil
}

type mockPools struct{ pool *database.Pool }

func (m mockPools) GetPool(schema string) (*database.Pool, error) {
	if m.pool != nil {
		return m.pool, nil
	}
	return database.NewPool(schema, nil, 0), nil
}

type harness struct {
	router *gin.Engine
	turns  *fakeTurns
	chat   *fakeChat
	files  *fakeFiles
	sim    *fakeSimilarity
}

func newHarness(t *testing.T, pools mockPools) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		turns: &fakeTurns{turns: map[int64]*model.Turn{}},
		chat:  &fakeChat{},
		files: &fakeFiles{},
		sim:   &fakeSimilarity{},
	}
	h.router = gin.New()
	RegisterRoutes(h.router, tenant.NewResolver(nil, ""), pools, Services{
		Turns:      h.turns,
		Similarity: h.sim,
		Chat:       h.chat,
		Files:      h.files,
		Ingestion:  config.IngestionConfig{UploadDir: t.TempDir(), MaxUploadSize: 1 << 20},
	})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Host == "" || req.Host == "example.com" {
		req.Host = "bsa.localhost:3000"
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateTurnWithReply(t *testing.T) {
	h := newHarness(t, mockPools{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/7/turns?respond=true",
		strings.NewReader(`{"avatarId":3,"content":"what is the plan?"}`))
	req.Header.Set("Content-Type", "application/json")

	w := h.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, h.turns.stored, 1)
	assert.Equal(t, int64(7), h.turns.stored[0].TopicID)
	assert.Equal(t, 1, h.chat.calls)

	data := decode(t, w)["data"].(map[string]any)
	assert.Contains(t, data, "reply")
}

func TestCreateCommentSkipsReply(t *testing.T) {
	h := newHarness(t, mockPools{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/7/turns?respond=true",
		strings.NewReader(`{"avatarId":3,"content":"note to self","isComment":true,"turnIndex":2.5}`))
	req.Header.Set("Content-Type", "application/json")

	w := h.do(req)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, h.turns.stored[0].TurnIndex)
	assert.Equal(t, 2.5, *h.turns.stored[0].TurnIndex)
	assert.Zero(t, h.chat.calls)
}

func TestCreateTurnValidation(t *testing.T) {
	h := newHarness(t, mockPools{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/abc/turns", strings.NewReader(`{}`))
	w := h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.CodeValidation, decode(t, w)["errorCode"])
}

func TestGetTurnNotFound(t *testing.T) {
	h := newHarness(t, mockPools{})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/turns/42", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, errs.CodeNotFound, body["errorCode"])
	assert.Equal(t, "bsa", body["context"].(map[string]any)["schema"])
}

func TestNextIndex(t *testing.T) {
	h := newHarness(t, mockPools{})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/topics/3/next-index", nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(4), data["nextIndex"])
}

func TestUpdateVector(t *testing.T) {
	h := newHarness(t, mockPools{})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/turns/5/vector", strings.NewReader(`{"vector":[0.1,0.2]}`))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, h.turns.updatedVec, 1536)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/turns/5/vector", strings.NewReader(`{"vector":["x"]}`))
	req.Header.Set("Content-Type", "application/json")
	w = h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteFileInProcessing(t *testing.T) {
	h := newHarness(t, mockPools{})
	h.files.processing = true
	w := h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/files/8", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodeFileInProcessing, decode(t, w)["errorCode"])
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t, mockPools{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("a,b\n1,2\n"))
	_ = mw.WriteField("tags", "minutes, board")
	_ = mw.WriteField("tags", "board")
	_ = mw.WriteField("description", "board minutes")
	_ = mw.WriteField("topicId", "4")
	_ = mw.WriteField("avatarId", "2")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Host = "conflict-club.example.com"
	w := h.do(req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotNil(t, h.files.uploaded)
	assert.Equal(t, "notes.csv", h.files.uploaded.OriginalName)
	assert.Equal(t, []string{"minutes", "board"}, h.files.uploaded.Tags)
	assert.Equal(t, "board minutes", h.files.uploaded.Description)
	assert.Contains(t, h.files.uploaded.MimeType, "csv")
	assert.Equal(t, 1, h.turns.fileNotices)

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "conflict_club", data["file"].(map[string]any)["bucketName"])
}

func TestUploadWithoutFile(t *testing.T) {
	h := newHarness(t, mockPools{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", strings.NewReader(""))
	w := h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchFiles(t *testing.T) {
	h := newHarness(t, mockPools{})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=budget", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "budget", h.sim.lastQuery)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchFilesClampsLimit(t *testing.T) {
	h := newHarness(t, mockPools{})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=budget&limit=10000", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, h.sim.lastLimit)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=budget&limit=7", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, h.sim.lastLimit)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=budget", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, h.sim.lastLimit)
}

func TestHealthz(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	mock.ExpectPing()

	h := newHarness(t, mockPools{pool: database.NewPool("dev", db, time.Second)})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthzWithoutConnection(t *testing.T) {
	h := newHarness(t, mockPools{})
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errs.CodeConnection, decode(t, w)["errorCode"])
}

func TestParseTagsAndMime(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseTags([]string{"a, b", "", "c,a"}))
	assert.Equal(t, "application/json", detectMime("application/json", "x.bin"))
	assert.Equal(t, "application/pdf", detectMime("application/octet-stream", "report.PDF"))
	assert.Equal(t, "application/octet-stream", detectMime("", "noext"))
}
