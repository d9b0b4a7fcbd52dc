// Package repository 提供了数据访问层的实现，所有方法都在调用方给定的租户连接池上执行。
package repository

import "strings"

// SimilarityScope 控制相似消息检索的话题范围。
type SimilarityScope int

const (
	ScopeAll SimilarityScope = iota
	// ScopeTopic 只在 TopicID 对应的话题内检索。
	ScopeTopic
	// ScopeOtherTopics 排除 TopicID 对应的话题。
	ScopeOtherTopics
)

// SimilarityOptions 是相似消息检索参数。Threshold 是距离上限。
type SimilarityOptions struct {
	Limit           int
	Threshold       float64
	ExcludeID       int64
	Scope           SimilarityScope
	TopicID         int64
	MessageType     int
	ExcludeComments bool
}

// FileSearchOptions 是文件分块检索参数。
type FileSearchOptions struct {
	Limit         int
	Threshold     float64
	ExcludeFileID int64
}

// DistanceOperator 把配置中的距离度量映射为 pgvector 运算符，未知值按 cosine 处理。
func DistanceOperator(metric string) string {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "l2", "euclidean":
		return "<->"
	default:
		return "<=>"
	}
}
