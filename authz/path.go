package authz

import (
	"strings"
)

// PolicyPath returns the policy module evaluated for a route.
//
// The path is the policy root, the upper-cased method and the route pattern
// segments joined by dots. Route parameters render as their name prefixed with
// two underscores, so GET /api/users/{id} under root "peoplefinder" becomes
// "peoplefinder.GET.api.users.__id".
func PolicyPath(root, method, pattern string) string {
	parts := []string{root, strings.ToUpper(method)}
	for _, seg := range strings.Split(pattern, "/") {
		switch {
		case seg == "":
			continue
		case seg == "*":
			parts = append(parts, "__wildcard")
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}")
			// chi allows {name:regexp}
			if i := strings.IndexByte(name, ':'); i >= 0 {
				name = name[:i]
			}
			parts = append(parts, "__"+name)
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, ".")
}
