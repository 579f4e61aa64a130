package sandbox

import "strings"

// ContainerName derives the container handle for a task id. The mapping is
// deterministic so a restarted process reattaches to the same container.
// Disallowed characters become '-' and leading/trailing '-' are trimmed, so
// ids that differ only in those positions map to the same handle.
func ContainerName(taskID string) string {
	var b strings.Builder
	b.Grow(len(taskID))
	for _, r := range taskID {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return "sandbox-" + strings.Trim(b.String(), "-")
}
