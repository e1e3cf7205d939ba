package monitor

import (
	"strings"
)

// Reason explains a policy decision in logs.
type Reason string

const (
	ReasonDMDisabled      Reason = "dm-disabled"
	ReasonDMOpen          Reason = "dm-open"
	ReasonAllowlisted     Reason = "allowlisted"
	ReasonNotAllowlisted  Reason = "not-allowlisted"
	ReasonPairingRequired Reason = "pairing-required"
	ReasonGroupDisabled   Reason = "group-disabled"
	ReasonGroupOpen       Reason = "group-open"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool

	// NeedsPairing is set when a DM sender was rejected under the pairing
	// policy and should be offered a pairing code.
	NeedsPairing bool

	Reason Reason
}

// Sender identifies who an allowlist is checked against. Entries may name
// either the numeric id or the @username.
type Sender struct {
	ID       string
	Username string
}

// EvaluateDM applies the direct-message policy.
func (c Config) EvaluateDM(s Sender, stored []string) Decision {
	switch c.DMPolicy {
	case DMDisabled:
		return Decision{Reason: ReasonDMDisabled}
	case DMOpen:
		return Decision{Allowed: true, Reason: ReasonDMOpen}
	}

	if allowlistMatch(c.AllowFrom, s) || allowlistMatch(stored, s) {
		return Decision{Allowed: true, Reason: ReasonAllowlisted}
	}
	if c.DMPolicy == DMPairing {
		return Decision{NeedsPairing: true, Reason: ReasonPairingRequired}
	}
	return Decision{Reason: ReasonNotAllowlisted}
}

// EvaluateGroup applies the group policy to the sender.
func (c Config) EvaluateGroup(s Sender, stored []string) Decision {
	switch c.GroupPolicy {
	case GroupDisabled:
		return Decision{Reason: ReasonGroupDisabled}
	case GroupOpen:
		return Decision{Allowed: true, Reason: ReasonGroupOpen}
	}

	if allowlistMatch(c.groupAllowlist(), s) || allowlistMatch(stored, s) {
		return Decision{Allowed: true, Reason: ReasonAllowlisted}
	}
	return Decision{Reason: ReasonNotAllowlisted}
}

// RequiresMention resolves mention gating for a group: the exact chat entry
// wins, then the "*" entry, then the account default.
func (c Config) RequiresMention(chatID string) bool {
	if g, ok := c.Groups[chatID]; ok && g.RequireMention != nil {
		return *g.RequireMention
	}
	if g, ok := c.Groups["*"]; ok && g.RequireMention != nil {
		return *g.RequireMention
	}
	return c.RequireMention
}

// CommandAuthorized reports whether s may run control commands. It is
// independent of the routing decision.
func (c Config) CommandAuthorized(isGroup bool, s Sender, stored []string) bool {
	if !c.Commands.UseAccessGroups {
		return true
	}
	list := c.AllowFrom
	if isGroup {
		list = c.groupAllowlist()
	}
	return allowlistMatch(list, s) || allowlistMatch(stored, s)
}

func (c Config) groupAllowlist() []string {
	if len(c.GroupAllowFrom) > 0 {
		return c.GroupAllowFrom
	}
	return c.AllowFrom
}

// allowlistMatch checks s against entries. "*" matches everyone.
func allowlistMatch(entries []string, s Sender) bool {
	id := strings.TrimSpace(s.ID)
	user := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s.Username), "@"))

	for _, raw := range entries {
		e := normalizeAllowEntry(raw)
		switch {
		case e == "":
			continue
		case e == "*":
			return true
		case id != "" && e == id:
			return true
		case user != "" && strings.HasPrefix(e, "@") && e[1:] == user:
			return true
		}
	}
	return false
}

// normalizeAllowEntry strips channel prefixes and lowercases handles, so
// "inline:123", "user:123" and "123" are equivalent.
func normalizeAllowEntry(raw string) string {
	e := strings.TrimSpace(raw)
	for _, prefix := range []string{"inline:", "user:"} {
		if len(e) >= len(prefix) && strings.EqualFold(e[:len(prefix)], prefix) {
			e = strings.TrimSpace(e[len(prefix):])
		}
	}
	return strings.ToLower(e)
}

// controlCommands are handled by the agent runtime rather than the model.
var controlCommands = map[string]bool{
	"new":     true,
	"reset":   true,
	"status":  true,
	"stop":    true,
	"model":   true,
	"help":    true,
	"compact": true,
	"think":   true,
	"verbose": true,
}

// isControlCommand reports whether text starts with a known "/command",
// optionally addressed as "/command@bot".
func isControlCommand(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return controlCommands[strings.ToLower(name)]
}
