package replay

import (
	"fmt"
	"strings"
)

// Mode controls whether replay verification runs and whether divergence is fatal.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeAudit  Mode = "audit"
	ModeStrict Mode = "strict"
)

// ParseMode accepts the mode names and their common aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "0", "false", "no", "none":
		return ModeOff, nil
	case "audit", "full", "on", "1", "true", "yes":
		return ModeAudit, nil
	case "strict":
		return ModeStrict, nil
	}
	return "", fmt.Errorf("replay: unknown mode %q", s)
}

// FailClosed reports whether divergence must stop promotion.
func (m Mode) FailClosed() bool { return m == ModeStrict }

// ShouldVerify reports whether verification runs at all.
func (m Mode) ShouldVerify() bool { return m == ModeAudit || m == ModeStrict }

func (m Mode) String() string { return string(m) }
