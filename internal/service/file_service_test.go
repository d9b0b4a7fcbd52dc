package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backstage-go/internal/model"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
)

type fileHarness struct {
	uploads    *fakeUploadRepo
	vectors    *fakeVectorRepo
	store      *fakeStore
	dispatcher *fakeDispatcher
	svc        *fileService
}

func newFileHarness() *fileHarness {
	h := &fileHarness{
		uploads:    newFakeUploadRepo(),
		vectors:    &fakeVectorRepo{},
		store:      &fakeStore{},
		dispatcher: &fakeDispatcher{},
	}
	h.svc = NewFileService(h.uploads, h.vectors, h.store, h.dispatcher).(*fileService)
	h.svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return h
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.tmp")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUploadDispatchesTask(t *testing.T) {
	h := newFileHarness()
	local := writeTemp(t, "a,b\n1,2\n")

	record, err := h.svc.Upload(context.Background(), database.NewPool("conflict_club", nil, 0), UploadRequest{
		LocalPath:    local,
		OriginalName: "../Q1 budget (final).csv",
		MimeType:     "text/csv",
		Size:         8,
		Tags:         []string{"finance"},
	})
	require.NoError(t, err)

	assert.Equal(t, "uploads/1700000000000-Q1_budget_final_.csv", record.FilePath)
	assert.Equal(t, "conflict_club", record.BucketName)
	assert.Equal(t, []string{"finance"}, record.TagList())
	assert.Equal(t, []string{"conflict_club/uploads/1700000000000-Q1_budget_final_.csv"}, h.store.uploaded)

	require.Len(t, h.dispatcher.dispatched, 1)
	task := h.dispatcher.dispatched[0]
	assert.Equal(t, record.ID, task.FileUploadID)
	assert.Equal(t, "conflict_club", task.Schema)
	assert.Equal(t, local, task.LocalPath)

	// 文件已交给流水线，由它负责清理
	_, statErr := os.Stat(local)
	assert.NoError(t, statErr)
}

func TestUploadSkipVectorization(t *testing.T) {
	h := newFileHarness()
	local := writeTemp(t, "hello")

	_, err := h.svc.Upload(context.Background(), database.NewPool("dev", nil, 0), UploadRequest{
		LocalPath:         local,
		OriginalName:      "notes.txt",
		MimeType:          "text/plain",
		SkipVectorization: true,
	})
	require.NoError(t, err)
	assert.Empty(t, h.dispatcher.dispatched)

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUploadCreateFailureRemovesObject(t *testing.T) {
	h := newFileHarness()
	h.uploads.createErr = errs.Database("CreateFileUpload", errs.CodeQuery, nil, assert.AnError)

	_, err := h.svc.Upload(context.Background(), database.NewPool("dev", nil, 0), UploadRequest{
		LocalPath:    writeTemp(t, "x"),
		OriginalName: "x.txt",
	})
	require.Error(t, err)
	assert.Equal(t, h.store.uploaded, h.store.removed)
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestUploadStorageFailure(t *testing.T) {
	h := newFileHarness()
	h.store.uploadErr = assert.AnError

	_, err := h.svc.Upload(context.Background(), database.NewPool("dev", nil, 0), UploadRequest{
		LocalPath:    writeTemp(t, "x"),
		OriginalName: "x.txt",
	})
	assert.Equal(t, errs.CodeStorage, errs.CodeOf(err))
	assert.Empty(t, h.uploads.records)
}

func TestDeleteFile(t *testing.T) {
	h := newFileHarness()
	pool := database.NewPool("dev", nil, 0)
	ctx := context.Background()
	h.uploads.records[1] = &model.FileUpload{ID: 1, BucketName: "dev", FilePath: "uploads/1-a.txt"}

	h.dispatcher.processing = true
	err := h.svc.Delete(ctx, pool, 1)
	assert.Equal(t, errs.CodeFileInProcessing, errs.CodeOf(err))
	assert.Equal(t, 409, errs.StatusOf(err))
	assert.Contains(t, h.uploads.records, int64(1))

	h.dispatcher.processing = false
	h.vectors.deleteErr = assert.AnError
	h.store.removeErr = assert.AnError
	require.NoError(t, h.svc.Delete(ctx, pool, 1))
	assert.Equal(t, []int64{1}, h.vectors.deleted)
	assert.Equal(t, []string{"dev/uploads/1-a.txt"}, h.store.removed)
	assert.NotContains(t, h.uploads.records, int64(1))

	err = h.svc.Delete(ctx, pool, 1)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestDownloadURL(t *testing.T) {
	h := newFileHarness()
	h.uploads.records[3] = &model.FileUpload{ID: 3, BucketName: "bsa", FilePath: "uploads/3-b.pdf"}

	u, err := h.svc.DownloadURL(context.Background(), database.NewPool("bsa", nil, 0), 3)
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/bsa/uploads/3-b.pdf?sig=1", u)

	_, err = h.svc.Chunks(context.Background(), database.NewPool("bsa", nil, 0), 4)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":            "report.pdf",
		"C:\\docs\\my file.txt": "my_file.txt",
		"../../etc/passwd":      "passwd",
		"résumé 2024.docx":      "r_sum_2024.docx",
		"...":                   "file",
		"":                      "file",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
