package processor

import (
	"fmt"
	"strings"
)

// MaxErrorText bounds the error text stored on a failed task.
const MaxErrorText = 2000

// TrailKey is the object key a task's diagnostic trail is archived under.
func TrailKey(jobID, taskID string) string {
	return fmt.Sprintf("trails/%s/%s.log", SanitizeFilename(jobID), SanitizeFilename(taskID))
}

// TruncateError cuts msg to MaxErrorText bytes without splitting a UTF-8
// sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorText {
		return msg
	}
	cut := MaxErrorText
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// SanitizeFilename removes characters that would change the shape of an
// object key.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "unnamed"
	}
	return s
}
