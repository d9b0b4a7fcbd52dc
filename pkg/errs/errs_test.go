package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestFromDBMapsPgCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, CodeDuplicate, http.StatusConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, CodeForeignKey, http.StatusConflict},
		{"bad text repr", &pgconn.PgError{Code: "22P02"}, CodeValidation, http.StatusBadRequest},
		{"missing table", &pgconn.PgError{Code: "42P01"}, CodeRelationMissing, http.StatusInternalServerError},
		{"cancelled statement", &pgconn.PgError{Code: "57014"}, CodeTimeout, http.StatusInternalServerError},
		{"connection", &pgconn.PgError{Code: "08006"}, CodeConnection, http.StatusInternalServerError},
		{"other pg", &pgconn.PgError{Code: "XX000"}, CodeQuery, http.StatusInternalServerError},
		{"not found", gorm.ErrRecordNotFound, CodeNotFound, http.StatusNotFound},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CodeTimeout, http.StatusInternalServerError},
		{"plain", errors.New("boom"), CodeQuery, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromDB("op", tt.err, map[string]any{"id": 1})
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.Equal(t, tt.status, StatusOf(err))
			assert.Equal(t, 1, ContextOf(err)["id"])
		})
	}
}

func TestFromDBKeepsStructuredErrors(t *testing.T) {
	orig := Validation("op", "bad", nil)
	assert.Same(t, orig, FromDB("other", orig, nil))
	assert.NoError(t, FromDB("op", nil, nil))
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := &pgconn.PgError{Code: "23503", Message: "violates foreign key"}
	err := ForeignKey("IndexFileChunk", "parent missing", nil, cause)

	assert.True(t, IsPgCode(err, "23503"))
	assert.True(t, IsCode(err, CodeForeignKey))
	assert.Contains(t, err.Error(), "IndexFileChunk")
	assert.Contains(t, err.Error(), "parent missing")

	wrapped := fmt.Errorf("pipeline: %w", err)
	assert.Equal(t, http.StatusConflict, StatusOf(wrapped))
}

func TestStatusOfPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("x")))
	assert.Equal(t, "INTERNAL_ERROR", CodeOf(errors.New("x")))
}
