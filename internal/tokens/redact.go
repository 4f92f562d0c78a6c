package tokens

import "strings"

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "appkey": {}, "value": {}, "client_secret": {},
	"authorization": {}, "api_key": {}, "access_token": {},
}

// Redact walks a decoded JSON value (map[string]any / []any) and replaces
// values for sensitive keys with a placeholder. It modifies maps and slices
// in place.
func Redact(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = Redact(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = Redact(it)
		}
		return vv
	default:
		return v
	}
}
