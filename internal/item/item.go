package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Item 是在数据源与下游处理器之间流动的一行数据，字段保持插入顺序。
type Item struct {
	keys   []string
	values map[string]any
}

// New 创建一个空的 Item。
func New() *Item {
	return &Item{values: make(map[string]any)}
}

// FromMap 按键名排序构造 Item，适用于来源没有字段顺序的场景。
func FromMap(m map[string]any) *Item {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	it := New()
	for _, k := range keys {
		it.Set(k, m[k])
	}
	return it
}

// Set 写入字段；已存在的字段保留原来的位置。
func (it *Item) Set(key string, value any) *Item {
	if it.values == nil {
		it.values = make(map[string]any)
	}
	if _, ok := it.values[key]; !ok {
		it.keys = append(it.keys, key)
	}
	it.values[key] = value
	return it
}

// Get 读取字段。
func (it *Item) Get(key string) (any, bool) {
	if it == nil {
		return nil, false
	}
	v, ok := it.values[key]
	return v, ok
}

// String 以字符串形式读取字段，不存在时返回空串。
func (it *Item) String(key string) string {
	v, ok := it.Get(key)
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// Delete 移除字段。
func (it *Item) Delete(key string) {
	if it == nil {
		return
	}
	if _, ok := it.values[key]; !ok {
		return
	}
	delete(it.values, key)
	for i, k := range it.keys {
		if k == key {
			it.keys = append(it.keys[:i], it.keys[i+1:]...)
			break
		}
	}
}

// Keys 返回字段名的副本，顺序与写入顺序一致。
func (it *Item) Keys() []string {
	if it == nil {
		return nil
	}
	return append([]string(nil), it.keys...)
}

// Len 返回字段数量。
func (it *Item) Len() int {
	if it == nil {
		return 0
	}
	return len(it.keys)
}

// Clone 返回深拷贝。
func (it *Item) Clone() *Item {
	out := New()
	if it == nil {
		return out
	}
	for _, k := range it.keys {
		out.Set(k, cloneValue(it.values[k]))
	}
	return out
}

// Map 返回无序的普通 map 视图。
func (it *Item) Map() map[string]any {
	out := make(map[string]any, it.Len())
	if it == nil {
		return out
	}
	for _, k := range it.keys {
		out[k] = it.values[k]
	}
	return out
}

// Flatten 将嵌套结构展开为扁平的键值对，用于表格导出。
// 嵌套 map 以 "a.b" 命名，列表以逗号连接。
func (it *Item) Flatten() *Item {
	out := New()
	if it == nil {
		return out
	}
	for _, k := range it.keys {
		flattenInto(out, k, it.values[k])
	}
	return out
}

func flattenInto(out *Item, prefix string, value any) {
	switch v := value.(type) {
	case *Item:
		for _, k := range v.keys {
			flattenInto(out, prefix+"."+k, v.values[k])
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(out, prefix+"."+k, v[k])
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, scalarString(e))
		}
		out.Set(prefix, strings.Join(parts, ","))
	case []string:
		out.Set(prefix, strings.Join(v, ","))
	default:
		out.Set(prefix, value)
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case *Item, map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	default:
		return fmt.Sprint(x)
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Item:
		return x.Clone()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// MarshalJSON 按字段顺序输出 JSON 对象。
func (it *Item) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if it != nil {
		for i, k := range it.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			val, err := json.Marshal(it.values[k])
			if err != nil {
				return nil, fmt.Errorf("编码字段 %s 失败: %w", k, err)
			}
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 解析 JSON 对象并保留字段顺序，嵌套对象同样解析为 *Item。
func (it *Item) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("item 必须是 JSON 对象")
	}
	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*it = *parsed
	return nil
}

func decodeObject(dec *json.Decoder) (*Item, error) {
	out := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("非法的对象键: %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return decodeObject(dec)
		case '[':
			list := make([]any, 0)
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, e)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("意外的分隔符 %v", v)
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return v, nil
	}
}

// Decode 从 reader 中读取单个 JSON 对象。
func Decode(r io.Reader) (*Item, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	it := New()
	if err := it.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return it, nil
}
