// Package errs 定义核心层统一的结构化错误：错误码、HTTP 状态、操作名和诊断上下文。
package errs

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "RECORD_NOT_FOUND"
	CodeForeignKey       = "FOREIGN_KEY_VIOLATION"
	CodeDuplicate        = "DUPLICATE_RECORD"
	CodeFileInProcessing = "FILE_IN_PROCESSING"
	CodeQuery            = "DB_QUERY_ERROR"
	CodeConnection       = "DB_CONNECTION_ERROR"
	CodeTimeout          = "DB_TIMEOUT"
	CodeRelationMissing  = "DB_RELATION_MISSING"
	CodeEmbedding        = "EMBEDDING_ERROR"
	CodeLLM              = "LLM_ERROR"
	CodeStorage          = "STORAGE_ERROR"
)

// Error 是核心层对外暴露的错误类型。
type Error struct {
	Code    string
	Status  int
	Op      string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New 构造一个错误。ctx 可以为 nil。
func New(status int, code, op, msg string, ctx map[string]any, err error) *Error {
	return &Error{Code: code, Status: status, Op: op, Message: msg, Context: ctx, Err: err}
}

func Validation(op, msg string, ctx map[string]any) *Error {
	return New(http.StatusBadRequest, CodeValidation, op, msg, ctx, nil)
}

func NotFound(op, msg string, ctx map[string]any) *Error {
	return New(http.StatusNotFound, CodeNotFound, op, msg, ctx, nil)
}

func ForeignKey(op, msg string, ctx map[string]any, err error) *Error {
	return New(http.StatusConflict, CodeForeignKey, op, msg, ctx, err)
}

func Conflict(op, code, msg string, ctx map[string]any) *Error {
	if code == "" {
		code = CodeDuplicate
	}
	return New(http.StatusConflict, code, op, msg, ctx, nil)
}

func Database(op, code string, ctx map[string]any, err error) *Error {
	if code == "" {
		code = CodeQuery
	}
	return New(http.StatusInternalServerError, code, op, "", ctx, err)
}

// Upstream 用于外部依赖（embedding、LLM、对象存储）失败。
func Upstream(op, code string, ctx map[string]any, err error) *Error {
	return New(http.StatusBadGateway, code, op, "", ctx, err)
}

// FromDB 把 gorm / pgx 返回的错误映射为结构化错误。已经是 *Error 的原样返回。
func FromDB(op string, err error, ctx map[string]any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(http.StatusNotFound, CodeNotFound, op, "", ctx, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Database(op, CodeTimeout, ctx, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return New(http.StatusConflict, CodeDuplicate, op, pgErr.Detail, ctx, err)
		case pgErr.Code == "23503":
			return ForeignKey(op, pgErr.Detail, ctx, err)
		case pgErr.Code == "22P02", pgErr.Code == "22023", pgErr.Code == "22000", pgErr.Code == "23502":
			return New(http.StatusBadRequest, CodeValidation, op, pgErr.Message, ctx, err)
		case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "3F000":
			return Database(op, CodeRelationMissing, ctx, err)
		case pgErr.Code == "57014":
			return Database(op, CodeTimeout, ctx, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return Database(op, CodeConnection, ctx, err)
		}
		return Database(op, CodeQuery, ctx, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Database(op, CodeConnection, ctx, err)
	}
	return Database(op, CodeQuery, ctx, err)
}

// IsPgCode 判断错误链中是否包含指定 SQLSTATE 的 PgError。
func IsPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// StatusOf 返回错误对应的 HTTP 状态，非结构化错误视为 500。
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf 返回错误码，非结构化错误返回 "INTERNAL_ERROR"。
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// ContextOf 返回诊断上下文，可能为 nil。
func ContextOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}
