package engine

import "sort"

// MaskRows возвращает копию результата адаптера, где значение каждого поля из fields
// заменено маркером. Строки и немаскированные поля не меняются, число строк сохраняется.
// Вложенные объекты маскируются по тем же именам полей.
func MaskRows(data any, fields []string, marker string) any {
	if len(fields) == 0 {
		return data
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return maskValue(data, set, marker)
}

func maskValue(v any, set map[string]struct{}, marker string) any {
	switch t := v.(type) {
	case map[string]any:
		return maskRow(t, set, marker)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, row := range t {
			out[i] = maskRow(row, set, marker)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = maskValue(item, set, marker)
		}
		return out
	default:
		return v
	}
}

func maskRow(row map[string]any, set map[string]struct{}, marker string) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if _, ok := set[k]; ok {
			out[k] = marker
			continue
		}
		out[k] = maskValue(v, set, marker)
	}
	return out
}

// normalizeMasks: без дублей, без полей из allowlist, отсортировано. Никогда не nil.
func normalizeMasks(fields []string, nonSensitive map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, skip := nonSensitive[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// maskPayload: маскирование полезной нагрузки вызова агента (только объект верхнего уровня)
func maskPayload(payload map[string]any, fields []string, marker string) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	masked, _ := MaskRows(payload, fields, marker).(map[string]any)
	return masked
}
