package directory

import "strings"

// GroupSuffix marks a messaging-group address.
const GroupSuffix = "@g.us"

// IsGroupID reports whether s (after trimming) is a group address.
func IsGroupID(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, GroupSuffix)
}

// FilterGroupIDs trims every value and keeps the group addresses in their original order.
// Blank and malformed entries are dropped without error. The result is never nil.
func FilterGroupIDs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if IsGroupID(v) {
			out = append(out, v)
		}
	}
	return out
}
