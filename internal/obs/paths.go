package obs

import "strings"

// CanonicalPath collapses resource identifiers out of request paths so metric
// label cardinality stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "facilities" {
		parts[2] = ":id"
		if len(parts) == 5 && parts[3] == "users" {
			parts[4] = ":membership_id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
