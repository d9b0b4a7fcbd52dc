package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health 检查当前租户的连接池是否可用。
func Health(c *gin.Context) {
	pool, ok := tenantPool(c)
	if !ok {
		return
	}
	if err := pool.Ping(c.Request.Context()); err != nil {
		respondError(c, "Health", err)
		return
	}
	respondOK(c, http.StatusOK, "ok", gin.H{"schema": pool.Schema})
}
