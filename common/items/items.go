package items

// Item is one record on the bus that flows between nodes. Values are
// restricted to the JSON domain: nil, bool, numbers, strings,
// []interface{} and map[string]interface{}.
type Item map[string]interface{}

// DeepCopyItem returns a copy sharing no mutable structure with the
// original. Nodes receive copies so a failing node cannot corrupt the
// stream handed to its siblings.
func DeepCopyItem(it Item) Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopy copies a whole stream.
func DeepCopy(in []Item) []Item {
	if in == nil {
		return nil
	}
	out := make([]Item, len(in))
	for i, it := range in {
		out[i] = DeepCopyItem(it)
	}
	return out
}

// DeepCopyValue copies any JSON-domain value.
func DeepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = DeepCopyValue(inner)
		}
		return out
	case Item:
		return map[string]interface{}(DeepCopyItem(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = DeepCopyValue(inner)
		}
		return out
	default:
		// Scalars are immutable
		return v
	}
}

// Equal compares two values structurally. Numbers compare by value, so
// int(3) from a YAML document equals float64(3) from a JSON round-trip.
func Equal(a, b interface{}) bool {
	if an, aok := Number(a); aok {
		bn, bok := Number(b)
		return bok && an == bn
	}

	switch av := normalize(a).(type) {
	case nil:
		return normalize(b) == nil
	case bool:
		bv, ok := normalize(b).(bool)
		return ok && av == bv
	case string:
		bv, ok := normalize(b).(string)
		return ok && av == bv
	case map[string]interface{}:
		bv, ok := normalize(b).(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, inner := range av {
			other, present := bv[k]
			if !present || !Equal(inner, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := normalize(b).([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, inner := range av {
			if !Equal(inner, bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func normalize(v interface{}) interface{} {
	if it, ok := v.(Item); ok {
		return map[string]interface{}(it)
	}
	return v
}

// Number coerces any Go numeric type to float64.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
