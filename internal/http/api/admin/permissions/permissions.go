package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Definition describes an admin permission.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

// Key builds a permission key from method and path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// NormalizePermissions trims, de-duplicates, and sorts permissions.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// ValidatePermissions validates that all permissions exist in the definition set.
func ValidatePermissions(perms []string) error {
	if len(perms) == 0 {
		return nil
	}
	allowed := definitionMap
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := allowed[trimmed]; !ok {
			return fmt.Errorf("invalid permission: %s", trimmed)
		}
	}
	return nil
}

// HasPermission checks whether the key exists in the permission list.
func HasPermission(perms []string, key string) bool {
	if key == "" {
		return false
	}
	for _, perm := range perms {
		if perm == key {
			return true
		}
	}
	return false
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// newDefinition builds a Definition with a normalized key.
func newDefinition(method, path, label, module string) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
	}
}

// definitions is the ordered list of permission definitions.
var definitions = []Definition{
	newDefinition("POST", "/v0/admin/ratelimits/check", "Check Rate Limit", "Rate Limits"),
	newDefinition("GET", "/v0/admin/ratelimits", "Search Rate Limits", "Rate Limits"),
	newDefinition("GET", "/v0/admin/ratelimits/:key", "Get Rate Limit", "Rate Limits"),
	newDefinition("POST", "/v0/admin/ratelimits/:key/block", "Block Rate Limit Key", "Rate Limits"),
	newDefinition("POST", "/v0/admin/ratelimits/:key/unblock", "Unblock Rate Limit Key", "Rate Limits"),
	newDefinition("POST", "/v0/admin/ratelimits/:key/reset", "Reset Rate Limit Key", "Rate Limits"),

	newDefinition("POST", "/v0/admin/webhooks", "Create Webhook", "Webhooks"),
	newDefinition("GET", "/v0/admin/webhooks", "List Webhooks", "Webhooks"),
	newDefinition("GET", "/v0/admin/webhooks/:id", "Get Webhook", "Webhooks"),
	newDefinition("PUT", "/v0/admin/webhooks/:id", "Update Webhook", "Webhooks"),
	newDefinition("DELETE", "/v0/admin/webhooks/:id", "Delete Webhook", "Webhooks"),
	newDefinition("POST", "/v0/admin/webhooks/:id/suspend", "Suspend Webhook", "Webhooks"),
	newDefinition("POST", "/v0/admin/webhooks/:id/activate", "Activate Webhook", "Webhooks"),
	newDefinition("POST", "/v0/admin/webhooks/:id/rotate-secret", "Rotate Webhook Secret", "Webhooks"),
	newDefinition("POST", "/v0/admin/webhooks/:id/flush", "Flush Webhook Queue", "Webhooks"),
	newDefinition("POST", "/v0/admin/webhooks/:id/trigger", "Trigger Webhook Event", "Webhooks"),
	newDefinition("GET", "/v0/admin/webhooks/:id/deliveries", "List Webhook Deliveries", "Webhooks"),
	newDefinition("GET", "/v0/admin/deliveries/:id", "Get Delivery", "Webhooks"),

	newDefinition("GET", "/v0/admin/permissions", "List Permissions", "Permissions"),
}

// definitionMap provides fast lookup for permission definitions.
var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
