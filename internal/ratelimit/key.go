package ratelimit

import "strings"

// KeyFor builds a ledger key such as "ip:1.2.3.4" or "user:42:login".
func KeyFor(targetType TargetType, value string, parts ...string) string {
	value = strings.TrimSpace(value)
	if targetType == "" || value == "" {
		return ""
	}
	segments := make([]string, 0, 2+len(parts))
	segments = append(segments, string(targetType), value)
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return strings.Join(segments, ":")
}

// TargetFromKey recovers the target encoded by KeyFor. Keys with an unknown
// prefix are treated as opaque resources.
func TargetFromKey(key string) Target {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Target{Type: TargetResource, Value: key}
	}
	switch TargetType(kind) {
	case TargetIP:
		// IPv6 addresses contain colons; the whole remainder is the value.
		return Target{Type: TargetIP, Value: rest, Metadata: TargetMetadata{IP: rest}}
	case TargetUser, TargetEndpoint, TargetAction, TargetResource:
		value, _, _ := strings.Cut(rest, ":")
		return Target{Type: TargetType(kind), Value: value}
	default:
		return Target{Type: TargetResource, Value: key}
	}
}
