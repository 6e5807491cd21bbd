package options

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Validate 依据 schema 将原始输入转换为参数。
// 依赖条件未满足的选项会被忽略；INFO/DIVIDER 不产生参数；未声明的键被丢弃。
// 该函数没有副作用，对同一输入重复调用得到相同结果。
func Validate(schema Schema, raw map[string]any) (map[string]any, error) {
	params := make(map[string]any)
	for _, opt := range schema {
		if !opt.Type.HasValue() {
			continue
		}
		if !dependencyMet(opt.Requires, params, raw) {
			continue
		}

		value, present := lookupRaw(opt, raw)
		if !present || isEmpty(value) {
			if opt.Required {
				return nil, Reject(opt.Key, fmt.Sprintf("%s 为必填项", label(opt)))
			}
			if opt.Default == nil {
				continue
			}
			value = opt.Default
		}

		parsed, err := parseValue(opt, value)
		if err != nil {
			return nil, err
		}
		params[opt.Key] = parsed
	}
	return params, nil
}

func label(opt Option) string {
	if opt.Help != "" {
		return fmt.Sprintf("%q", opt.Help)
	}
	return opt.Key
}

func lookupRaw(opt Option, raw map[string]any) (any, bool) {
	if v, ok := raw[opt.Key]; ok {
		return v, true
	}
	if opt.Type == TypeDateRange {
		lo, hasLo := raw[opt.Key+"-min"]
		hi, hasHi := raw[opt.Key+"-max"]
		if hasLo || hasHi {
			return map[string]any{"min": lo, "max": hi}, true
		}
	}
	return nil, false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	default:
		return false
	}
}

// dependencyMet 解析 "other==value"、"other!=value"、"other^=prefix" 或 "other" 形式的依赖。
func dependencyMet(requires string, params map[string]any, raw map[string]any) bool {
	requires = strings.TrimSpace(requires)
	if requires == "" {
		return true
	}
	lookup := func(key string) (any, bool) {
		if v, ok := params[key]; ok {
			return v, true
		}
		v, ok := raw[key]
		return v, ok
	}

	for _, op := range []string{"!=", "==", "^="} {
		idx := strings.Index(requires, op)
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(requires[:idx])
		want := strings.TrimSpace(requires[idx+len(op):])
		v, ok := lookup(key)
		got := ""
		if ok {
			got = stringify(v)
		}
		switch op {
		case "!=":
			return got != want
		case "==":
			if list, isList := v.([]string); isList {
				for _, e := range list {
					if e == want {
						return true
					}
				}
				return false
			}
			return got == want
		default:
			return strings.HasPrefix(got, want)
		}
	}

	v, ok := lookup(requires)
	if !ok {
		return false
	}
	if b, err := toBool(v); err == nil {
		return b
	}
	return !isEmpty(v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}

func parseValue(opt Option, value any) (any, error) {
	switch opt.Type {
	case TypeToggle:
		b, err := toBool(value)
		if err != nil {
			return nil, Reject(opt.Key, fmt.Sprintf("%s 必须是布尔值", label(opt)))
		}
		return b, nil
	case TypeChoice:
		s := strings.TrimSpace(stringify(value))
		if !hasChoice(opt.Choices, s) {
			return nil, Reject(opt.Key, fmt.Sprintf("%s 不是 %s 的有效选项", s, label(opt)))
		}
		return s, nil
	case TypeMulti:
		return parseMulti(opt, value)
	case TypeDateRange:
		return parseDateRange(opt, value)
	case TypeFile:
		s := strings.TrimSpace(stringify(value))
		return s, nil
	default:
		return parseText(opt, value)
	}
}

func hasChoice(choices []Choice, value string) bool {
	for _, c := range choices {
		if c.Value == value {
			return true
		}
	}
	return false
}

func parseMulti(opt Option, value any) ([]string, error) {
	var items []string
	switch x := value.(type) {
	case []string:
		items = append(items, x...)
	case []any:
		for _, e := range x {
			items = append(items, stringify(e))
		}
	default:
		items = strings.Split(stringify(x), ",")
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, e := range items {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		if len(opt.Choices) > 0 && !hasChoice(opt.Choices, e) {
			return nil, Reject(opt.Key, fmt.Sprintf("%s 不是 %s 的有效选项", e, label(opt)))
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	if opt.Required && len(out) == 0 {
		return nil, Reject(opt.Key, fmt.Sprintf("%s 为必填项", label(opt)))
	}
	return out, nil
}

func parseText(opt Option, value any) (any, error) {
	if opt.Min == nil && opt.Max == nil && !opt.Integer {
		s := stringify(value)
		if opt.MaxLength > 0 && len([]rune(s)) > opt.MaxLength {
			return nil, Reject(opt.Key, fmt.Sprintf("%s 最长 %d 个字符", label(opt), opt.MaxLength))
		}
		return s, nil
	}

	n, err := toFloat(value)
	if err != nil {
		return nil, Reject(opt.Key, fmt.Sprintf("%s 必须是数字", label(opt)))
	}
	if opt.Min != nil && n < *opt.Min {
		n = *opt.Min
	}
	if opt.Max != nil && n > *opt.Max {
		n = *opt.Max
	}
	if opt.Integer {
		if n != math.Trunc(n) {
			return nil, Reject(opt.Key, fmt.Sprintf("%s 必须是整数", label(opt)))
		}
		return int64(n), nil
	}
	return n, nil
}

// DateRange 表示闭区间的 Unix 时间戳范围，0 表示不限。
type DateRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func parseDateRange(opt Option, value any) (map[string]any, error) {
	var lo, hi any
	switch x := value.(type) {
	case map[string]any:
		lo, hi = x["min"], x["max"]
	case DateRange:
		lo, hi = x.Min, x.Max
	case []any:
		if len(x) == 2 {
			lo, hi = x[0], x[1]
		}
	default:
		return nil, Reject(opt.Key, fmt.Sprintf("%s 必须是日期范围", label(opt)))
	}
	minTS, err := toTimestamp(lo, false)
	if err != nil {
		return nil, Reject(opt.Key, fmt.Sprintf("%s 的起始日期无效", label(opt)))
	}
	maxTS, err := toTimestamp(hi, true)
	if err != nil {
		return nil, Reject(opt.Key, fmt.Sprintf("%s 的结束日期无效", label(opt)))
	}
	if minTS > 0 && maxTS > 0 && minTS > maxTS {
		return nil, Reject(opt.Key, fmt.Sprintf("%s 的起始日期晚于结束日期", label(opt)))
	}
	return map[string]any{"min": minTS, "max": maxTS}, nil
}

// RangeOf 从已校验的参数中读取日期范围。
func RangeOf(params map[string]any, key string) DateRange {
	m, ok := params[key].(map[string]any)
	if !ok {
		return DateRange{}
	}
	lo, _ := toFloat(m["min"])
	hi, _ := toFloat(m["max"])
	return DateRange{Min: int64(lo), Max: int64(hi)}
}

func toTimestamp(v any, endOfDay bool) (int64, error) {
	if isEmpty(v) {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(dateLayout, s); err == nil {
			if endOfDay {
				t = t.Add(24*time.Hour - time.Second)
			}
			return t.Unix(), nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Unix(), nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative timestamp")
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "yes", "1":
			return true, nil
		case "false", "off", "no", "0", "":
			return false, nil
		}
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	}
	return false, fmt.Errorf("not a boolean: %v", v)
}

// Int 读取整数参数，不存在时返回 fallback。
func Int(params map[string]any, key string, fallback int64) int64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	f, err := toFloat(v)
	if err != nil {
		return fallback
	}
	return int64(f)
}

// String 读取字符串参数。
func String(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	return stringify(v)
}

// Bool 读取布尔参数。
func Bool(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := toBool(v)
	return b
}

// Strings 读取 MULTI 参数。
func Strings(params map[string]any, key string) []string {
	switch x := params[key].(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, stringify(e))
		}
		return out
	case string:
		if x == "" {
			return nil
		}
		return strings.Split(x, ",")
	default:
		return nil
	}
}
