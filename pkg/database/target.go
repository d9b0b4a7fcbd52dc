package database

// ConnTarget 指定一次操作使用的连接：按 schema 名称，或直接给出连接池。
// 只在边界处通过 PoolManager.Resolve 解析一次。
type ConnTarget struct {
	schema string
	pool   *Pool
}

func BySchema(schema string) ConnTarget { return ConnTarget{schema: schema} }

func ByPool(p *Pool) ConnTarget { return ConnTarget{pool: p} }

// Schema 返回目标对应的 schema 名称。
func (t ConnTarget) Schema() string {
	if t.pool != nil {
		return t.pool.Schema
	}
	return t.schema
}
