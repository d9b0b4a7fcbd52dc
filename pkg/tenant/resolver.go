// Package tenant 把请求的 Host 映射到租户 schema。
package tenant

import (
	"net"
	"sort"
	"strings"

	"backstage-go/internal/config"
)

// DevSchema 是本地开发和未知子域名的兜底 schema。
const DevSchema = "dev"

// DefaultSubdomains 是内置的子域名映射，配置中可以覆盖。
var DefaultSubdomains = map[string]string{
	"dev":                  "dev",
	"first-congregational": "first_congregational",
	"conflict-club":        "conflict_club",
	"bsa":                  "bsa",
}

// Resolver 是纯函数式的解析器，构造后只读，可并发使用。
type Resolver struct {
	subdomains    map[string]string
	defaultSchema string
}

// NewResolver 创建解析器。subdomains 为空时使用 DefaultSubdomains，defaultSchema 为空时使用 dev。
func NewResolver(subdomains map[string]string, defaultSchema string) *Resolver {
	if len(subdomains) == 0 {
		subdomains = DefaultSubdomains
	}
	m := make(map[string]string, len(subdomains))
	for k, v := range subdomains {
		m[strings.ToLower(k)] = v
	}
	if defaultSchema == "" {
		defaultSchema = DevSchema
	}
	return &Resolver{subdomains: m, defaultSchema: defaultSchema}
}

// FromConfig 非生产环境的兜底 schema 固定为 dev。
func FromConfig(cfg config.TenancyConfig) *Resolver {
	def := DevSchema
	if cfg.Production && cfg.DefaultSchema != "" {
		def = cfg.DefaultSchema
	}
	return NewResolver(cfg.Subdomains, def)
}

// Resolve 返回 hostname 对应的 schema，永远不会失败。
func (r *Resolver) Resolve(hostname string) string {
	host := strings.ToLower(stripPort(strings.TrimSpace(hostname)))
	if host == "" {
		return r.defaultSchema
	}
	labels := strings.Split(host, ".")

	if strings.Contains(host, "localhost") {
		// bsa.localhost -> bsa；localhost 本身 -> dev
		if len(labels) >= 2 && labels[0] != "localhost" {
			if schema, ok := r.subdomains[labels[0]]; ok {
				return schema
			}
		}
		return DevSchema
	}

	if len(labels) >= 3 {
		if schema, ok := r.subdomains[labels[0]]; ok {
			return schema
		}
	}
	return r.defaultSchema
}

// Default 返回兜底 schema。
func (r *Resolver) Default() string { return r.defaultSchema }

// Schemas 返回允许的 schema 列表（已排序）。
func (r *Resolver) Schemas() []string {
	set := map[string]struct{}{r.defaultSchema: {}, DevSchema: {}}
	for _, s := range r.subdomains {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Allowed 报告 schema 是否在白名单中。
func (r *Resolver) Allowed(schema string) bool {
	if schema == r.defaultSchema || schema == DevSchema {
		return true
	}
	for _, s := range r.subdomains {
		if s == schema {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
		return strings.Trim(host, "[]")
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
