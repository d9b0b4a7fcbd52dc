package middleware

import (
	"github.com/gin-gonic/gin"

	"backstage-go/pkg/database"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

const (
	schemaKey = "schema"
	poolKey   = "pool"
)

// SchemaResolver 把请求的 Host 映射为租户 schema，由 tenant.Resolver 实现。
type SchemaResolver interface {
	Resolve(host string) string
}

// PoolProvider 按 schema 返回连接池，由 database.PoolManager 实现。
type PoolProvider interface {
	GetPool(schema string) (*database.Pool, error)
}

// TenantPool 解析请求所属的租户，并把 schema 和对应的连接池存入 Gin 的上下文中。
func TenantPool(resolver SchemaResolver, pools PoolProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		schema := resolver.Resolve(c.Request.Host)
		c.Set(schemaKey, schema)

		pool, err := pools.GetPool(schema)
		if err != nil {
			log.Errorf("[TenantPool] 获取连接池失败, host: %s, schema: %s, error: %v", c.Request.Host, schema, err)
			c.AbortWithStatusJSON(errs.StatusOf(err), gin.H{
				"error":     "tenant database unavailable",
				"errorCode": errs.CodeOf(err),
			})
			return
		}
		c.Set(poolKey, pool)
		c.Next()
	}
}

// SchemaFrom 返回当前请求的租户 schema，未经过 TenantPool 时为空。
func SchemaFrom(c *gin.Context) string {
	return c.GetString(schemaKey)
}

// PoolFrom 返回当前请求的连接池。
func PoolFrom(c *gin.Context) (*database.Pool, bool) {
	v, ok := c.Get(poolKey)
	if !ok {
		return nil, false
	}
	pool, ok := v.(*database.Pool)
	return pool, ok && pool != nil
}
