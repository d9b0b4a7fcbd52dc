package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"backstage-go/internal/config"
	"backstage-go/pkg/errs"
	"backstage-go/pkg/log"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidSchemaName 只做语法检查，白名单由 PoolManager 负责。
func ValidSchemaName(schema string) bool {
	return schemaNamePattern.MatchString(schema)
}

// QuoteIdent 对标识符加引号，用于拼接 schema 限定的表名。
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Pool 是绑定到单个租户 schema 的连接池。所有连接在使用前都已设置 search_path。
type Pool struct {
	Schema       string
	DB           *gorm.DB
	sqlDB        *sql.DB
	queryTimeout time.Duration
}

// NewPool 用已有的 *gorm.DB 包装一个 Pool，测试中配合 sqlmock 使用。
func NewPool(schema string, db *gorm.DB, queryTimeout time.Duration) *Pool {
	p := &Pool{Schema: schema, DB: db, queryTimeout: queryTimeout}
	if db == nil {
		return p
	}
	if sqlDB, err := db.DB(); err == nil {
		p.sqlDB = sqlDB
	}
	return p
}

// WithContext 返回带查询超时的会话。调用方负责执行 cancel。
func (p *Pool) WithContext(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if p.queryTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
			return p.DB.WithContext(ctx), cancel
		}
	}
	return p.DB.WithContext(ctx), func() {}
}

// Ping 检查连接是否可用。
func (p *Pool) Ping(ctx context.Context) error {
	if p.sqlDB == nil {
		return errs.Database("Pool.Ping", errs.CodeConnection, map[string]any{"schema": p.Schema}, errors.New("no sql.DB"))
	}
	if err := p.sqlDB.PingContext(ctx); err != nil {
		return errs.FromDB("Pool.Ping", err, map[string]any{"schema": p.Schema})
	}
	return nil
}

// Close 关闭底层连接。
func (p *Pool) Close() error {
	if p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

// PoolFactory 为指定 schema 构造一个新的连接池。
type PoolFactory func(schema string) (*Pool, error)

// PoolManager 持有每个 schema 的连接池，在启动时构造并注入到各层。
type PoolManager struct {
	cfg     config.PostgresConfig
	allowed func(string) bool
	factory PoolFactory

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewPoolManager 创建连接池注册表。allowed 是 schema 白名单（通常是 tenant.Resolver.Allowed）。
func NewPoolManager(cfg config.PostgresConfig, allowed func(string) bool) *PoolManager {
	m := &PoolManager{
		cfg:     cfg,
		allowed: allowed,
		pools:   make(map[string]*Pool),
	}
	m.factory = m.openPool
	return m
}

// WithFactory 替换连接池的构造函数。
func (m *PoolManager) WithFactory(f PoolFactory) *PoolManager {
	m.factory = f
	return m
}

func (m *PoolManager) validate(schema string) error {
	if !ValidSchemaName(schema) || (m.allowed != nil && !m.allowed(schema)) {
		return errs.Validation("PoolManager", "unknown tenant schema", map[string]any{"schema": schema})
	}
	return nil
}

// GetPool 返回缓存的连接池，同一个 schema 总是得到同一个 *Pool。
func (m *PoolManager) GetPool(schema string) (*Pool, error) {
	if err := m.validate(schema); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[schema]; ok {
		return p, nil
	}
	p, err := m.factory(schema)
	if err != nil {
		return nil, err
	}
	m.pools[schema] = p
	log.Infof("[PoolManager] 为 schema '%s' 创建新的连接池", schema)
	return p, nil
}

// CreatePool 构造一个不进入缓存的新连接池。
func (m *PoolManager) CreatePool(schema string) (*Pool, error) {
	if err := m.validate(schema); err != nil {
		return nil, err
	}
	return m.factory(schema)
}

// Resolve 把 ConnTarget 解析成连接池。
func (m *PoolManager) Resolve(target ConnTarget) (*Pool, error) {
	if target.pool != nil {
		return target.pool, nil
	}
	if target.schema == "" {
		return nil, errs.Validation("PoolManager.Resolve", "empty connection target", nil)
	}
	return m.GetPool(target.schema)
}

// Schemas 返回已创建连接池的 schema。
func (m *PoolManager) Schemas() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pools))
	for s := range m.pools {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close 关闭所有连接池。
func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []error
	for schema, p := range m.pools {
		if err := p.Close(); err != nil {
			all = append(all, fmt.Errorf("close pool %s: %w", schema, err))
		}
		delete(m.pools, schema)
	}
	return errors.Join(all...)
}

// openPool 懒连接：构造时不连数据库，第一次查询时才会暴露连接错误。
func (m *PoolManager) openPool(schema string) (*Pool, error) {
	connConfig, err := pgx.ParseConfig(m.cfg.DSN)
	if err != nil {
		return nil, errs.Database("PoolManager.CreatePool", errs.CodeConnection, map[string]any{"schema": schema}, err)
	}
	if m.cfg.ConnectTimeout > 0 {
		connConfig.ConnectTimeout = m.cfg.ConnectTimeout
	}
	if m.cfg.StatementTimeout > 0 {
		connConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(m.cfg.StatementTimeout.Milliseconds(), 10)
	}

	searchPath := "SET search_path TO " + QuoteIdent(schema) + ", public"
	sqlDB := stdlib.OpenDB(*connConfig,
		stdlib.OptionAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, searchPath); err != nil {
				log.Errorf("[PoolManager] 设置 search_path 失败, schema: %s, error: %v", schema, err)
				return err
			}
			return nil
		}),
		stdlib.OptionResetSession(func(ctx context.Context, conn *pgx.Conn) error {
			// 空闲连接失效时只记录日志，交由 database/sql 丢弃重建
			if conn.IsClosed() {
				log.Warnf("[PoolManager] schema '%s' 的空闲连接已失效，丢弃", schema)
				return driver.ErrBadConn
			}
			return nil
		}),
	)

	maxOpen := m.cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	if m.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(m.cfg.MaxIdleConns)
	}
	if m.cfg.IdleTimeout > 0 {
		sqlDB.SetConnMaxIdleTime(m.cfg.IdleTimeout)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	gormLogger := logger.Default.LogMode(logger.Silent)
	if m.cfg.LogSQL {
		gormLogger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errs.Database("PoolManager.CreatePool", errs.CodeConnection, map[string]any{"schema": schema}, err)
	}

	return &Pool{Schema: schema, DB: db, sqlDB: sqlDB, queryTimeout: m.cfg.QueryTimeout}, nil
}
