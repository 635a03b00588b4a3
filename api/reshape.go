package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// reshapeCompanies converts backend company records into the frontend's
// field names. It accepts a single object, an array, or an envelope
// {"data": [...]}; fields the backend omits become empty strings.
func reshapeCompanies(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding companies: %w", err)
	}

	switch t := v.(type) {
	case []any:
		return json.Marshal(toCompanies(t))
	case map[string]any:
		if items, ok := t["data"].([]any); ok {
			t["data"] = toCompanies(items)
			return json.Marshal(t)
		}
		return json.Marshal(toCompany(t))
	default:
		return data, nil
	}
}

func toCompanies(items []any) []Company {
	out := make([]Company, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		out = append(out, toCompany(m))
	}
	return out
}

func toCompany(m map[string]any) Company {
	return Company{
		CompanyID:   field(m, "id", "companyId"),
		CompanyName: field(m, "name", "companyName"),
		Ticker:      field(m, "ticker"),
		Sector:      field(m, "sector"),
		LogoURL:     field(m, "logo_url", "logoUrl"),
	}
}

// field returns the first present key as a string.
func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
			continue
		case string:
			return v
		case json.Number:
			return v.String()
		case bool:
			return fmt.Sprint(v)
		}
	}
	return ""
}
