// Package privacy masks identifiers and credentials before they reach logs.
package privacy

import (
	"net/url"
	"strings"
)

// credentialParams are query parameters whose values never reach a log line.
var credentialParams = []string{"token", "access_token", "api_key"}

// MaskDeviceID keeps the last segment readable so devices stay distinguishable
// in logs.
// Example: "3f0c9a1e-7b2d-4c55-9e0a-1b2c3d4e5f60" -> "********-****-****-****-********5f60"
func MaskDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}

	if strings.Count(deviceID, "-") == 4 {
		parts := strings.Split(deviceID, "-")
		for i := 0; i < len(parts)-1; i++ {
			parts[i] = strings.Repeat("*", len(parts[i]))
		}
		parts[len(parts)-1] = maskString(parts[len(parts)-1], 4)
		return strings.Join(parts, "-")
	}

	return maskString(deviceID, 4)
}

// MaskToken hides a bearer token entirely, keeping only whether one is set.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	return "[REDACTED]"
}

// MaskEntityID masks a record identifier
// Example: "task-123456" -> "*******3456"
func MaskEntityID(entityID string) string {
	return maskString(entityID, 4)
}

// MaskURL redacts credentials carried in the userinfo or the query string.
// Unparseable input is masked wholesale.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return maskString(raw, 0)
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}

	q := u.Query()
	changed := false
	for _, p := range credentialParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}

		switch k {
		case "device_id", "deviceId", "client_id", "clientId":
			masked[k] = MaskDeviceID(s)
		case "token", "authorization", "Authorization":
			masked[k] = MaskToken(s)
		case "url", "api_url", "ws_url", "apiUrl", "wsUrl":
			masked[k] = MaskURL(s)
		case "entity_id", "entityId":
			masked[k] = MaskEntityID(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
