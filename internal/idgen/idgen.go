// Package idgen generates the literal identity formats the core assigns:
// task_<ms>_<rand>, cp_<rand>, template_<rand>, and idle-<slug>.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const randAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randSuffix returns a random lowercase-alphanumeric string of length n.
func randSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = randAlphabet[int(buf[i])%len(randAlphabet)]
	}
	return string(buf)
}

// TaskID returns a new task_<millisecond-timestamp>_<rand> identifier.
func TaskID(now time.Time) string {
	return fmt.Sprintf("task_%d_%s", now.UnixMilli(), randSuffix(8))
}

// CheckpointID returns a new cp_<rand> identifier.
func CheckpointID() string {
	return "cp_" + randSuffix(12)
}

// TemplateID returns a new template_<rand> identifier.
func TemplateID() string {
	return "template_" + randSuffix(12)
}

// IdleTaskID returns the idle-<kebab-lowercase slug> identifier derived
// from a title.
func IdleTaskID(slug string) string {
	return "idle-" + slug
}
