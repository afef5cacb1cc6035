// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLen  = 64
	DefaultDisplayName = "Anon"
)

// ParticipantID is assigned by the relay per live signaling connection.
type ParticipantID string

// NewParticipantID returns a fresh random identifier.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// NormalizeDisplayName drops control characters and invalid UTF-8 and cuts
// the name to MaxDisplayNameLen bytes on a rune boundary.
func NormalizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if len(name) > MaxDisplayNameLen {
		cut := MaxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	if strings.TrimSpace(name) == "" {
		return DefaultDisplayName
	}
	return name
}
