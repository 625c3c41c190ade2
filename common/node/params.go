package node

import "github.com/lyzr/storyflow/common/fault"

// Param readers tolerate both YAML and JSON decodings of a document.

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requireParamString(params map[string]interface{}, nodeType, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fault.New(fault.KindSchema, "%s: params.%s is required", nodeType, key)
	}
	return v, nil
}

func paramBool(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func paramStringSlice(params map[string]interface{}, key string) ([]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func paramStringMap(params map[string]interface{}, key string) (map[string]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case map[string]string:
		return v, true
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func paramMap(params map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := params[key].(map[string]interface{})
	return v, ok
}
