package cache

import "strings"

// CacheKey identifies one cached lookup outcome.
type CacheKey struct {
	// Namespace separates lookup APIs (e.g. "pii").
	Namespace string

	// ID is the looked-up identifier.
	ID string
}

// String generates the Redis key.
// Format: harvest:lookup:namespace:id
//
// Example:
//
//	harvest:lookup:pii:S0092867424000011
func (k CacheKey) String() string {
	parts := []string{"harvest", "lookup"}

	if ns := strings.Trim(k.Namespace, ":/ "); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, strings.TrimSpace(k.ID))

	return strings.Join(parts, ":")
}
