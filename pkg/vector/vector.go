// Package vector 负责把任意来源的向量规整为数据库列要求的固定维度。
package vector

import (
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"backstage-go/pkg/errs"
)

// Dim 是 content_vector 列的固定维度。
const Dim = 1536

// Normalize 截断或补零到 Dim 维，返回新切片，nil 输入得到全零向量。
func Normalize(v []float32) []float32 {
	out := make([]float32, Dim)
	copy(out, v)
	return out
}

// FromAny 接受来自 JSON 或调用方的未定类型输入，非数值数组返回 ValidationError。
func FromAny(v any) ([]float32, error) {
	switch t := v.(type) {
	case []float32:
		return Normalize(t), nil
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return Normalize(out), nil
	case []any:
		out := make([]float32, len(t))
		for i, item := range t {
			f, ok := toFloat(item)
			if !ok {
				return nil, errs.Validation("vector.Normalize", fmt.Sprintf("element %d is not a number", i), map[string]any{"index": i})
			}
			out[i] = f
		}
		return Normalize(out), nil
	case json.RawMessage:
		var arr []float64
		if err := json.Unmarshal(t, &arr); err != nil {
			return nil, errs.Validation("vector.Normalize", "vector must be an array of numbers", nil)
		}
		return FromAny(arr)
	default:
		return nil, errs.Validation("vector.Normalize", fmt.Sprintf("vector must be an array, got %T", v), nil)
	}
}

func toFloat(v any) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	case int64:
		return float32(n), true
	case json.Number:
		f, err := n.Float64()
		return float32(f), err == nil
	}
	return 0, false
}

// ToPG 规整后转为 pgvector 参数。
func ToPG(v []float32) pgvector.Vector {
	return pgvector.NewVector(Normalize(v))
}
