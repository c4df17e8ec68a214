package ratelimit

import (
	"net/http"
	"strings"
)

// matchBypass reports whether rule exempts target. Missing metadata is a
// non-match, never an error.
func matchBypass(rule BypassRule, target Target) bool {
	value := strings.TrimSpace(rule.Value)
	if value == "" {
		return false
	}
	switch rule.Type {
	case BypassIP:
		return target.Metadata.IP != "" && target.Metadata.IP == value
	case BypassUser:
		return target.Type == TargetUser && target.Value == value
	case BypassRole:
		for _, role := range target.Metadata.Roles {
			if role == value {
				return true
			}
		}
		return false
	case BypassHeader:
		if target.Metadata.Headers == nil {
			return false
		}
		if _, ok := target.Metadata.Headers[value]; ok {
			return true
		}
		_, ok := target.Metadata.Headers[http.CanonicalHeaderKey(value)]
		return ok
	case BypassCustom:
		name, expected, hasValue := strings.Cut(value, "=")
		got, ok := target.Metadata.Custom[name]
		if !ok {
			return false
		}
		return !hasValue || got == expected
	default:
		return false
	}
}

// ValidateBypass rejects rules that can never match.
func ValidateBypass(rule BypassRule) error {
	switch rule.Type {
	case BypassIP, BypassUser, BypassRole, BypassHeader, BypassCustom:
	default:
		return invalidPolicy("unknown bypass type %q", rule.Type)
	}
	if strings.TrimSpace(rule.Value) == "" {
		return invalidPolicy("bypass %s: value is required", rule.Type)
	}
	return nil
}
