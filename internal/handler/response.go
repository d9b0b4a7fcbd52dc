// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"backstage-go/internal/middleware"
	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

// respondOK 以统一的结构返回成功结果。
func respondOK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

// respondError 把核心层的结构化错误转换为 HTTP 响应。
func respondError(c *gin.Context, op string, err error) {
	status := errs.StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[%s] 请求失败, schema: %s, error: %v", op, middleware.SchemaFrom(c), err)
	} else {
		log.Warnf("[%s] 请求被拒绝, schema: %s, error: %v", op, middleware.SchemaFrom(c), err)
	}
	_ = c.Error(err)

	body := gin.H{
		"error":     errorMessage(err, status),
		"errorCode": errs.CodeOf(err),
	}
	if ctx := errs.ContextOf(err); len(ctx) > 0 {
		body["context"] = ctx
	}
	c.JSON(status, body)
}

// errorMessage 5xx 不向客户端暴露底层错误。
func errorMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func badRequest(c *gin.Context, op, msg string) {
	respondError(c, op, errs.Validation(op, msg, nil))
}

// tenantPool 从上下文中取出连接池，TenantPool 中间件保证其存在。
func tenantPool(c *gin.Context) (*database.Pool, bool) {
	pool, ok := middleware.PoolFrom(c)
	if !ok {
		respondError(c, "tenantPool", errs.Database("tenantPool", errs.CodeConnection, nil, nil))
		return nil, false
	}
	return pool, true
}

// int64Param 解析正整数路径参数。
func int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "parseParam", "invalid "+name)
		return 0, false
	}
	return id, true
}

// maxListLimit 是列表和检索接口单次返回条数的上限。
const maxListLimit = 500

// limitQuery 读取 limit 参数，超过 maxListLimit 时截断。未提供时返回 0，由服务层取默认值。
func limitQuery(c *gin.Context) int {
	limit := intQuery(c, "limit", 0)
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func floatQuery(c *gin.Context, name string) float64 {
	v, err := strconv.ParseFloat(c.Query(name), 64)
	if err != nil {
		return 0
	}
	return v
}
