package monitor

import "time"

// DMPolicy controls who may talk to the bot in direct messages.
type DMPolicy string

const (
	DMDisabled  DMPolicy = "disabled"
	DMOpen      DMPolicy = "open"
	DMAllowlist DMPolicy = "allowlist"
	DMPairing   DMPolicy = "pairing"
)

// GroupPolicy controls who may trigger the bot in group chats.
type GroupPolicy string

const (
	GroupDisabled  GroupPolicy = "disabled"
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
)

const (
	defaultGroupHistoryLimit = 12
	defaultDMHistoryLimit    = 6
	defaultBotMessageCap     = 500
	defaultMediaMaxMB        = 20
	defaultReplyTimeout      = 25 * time.Second
)

// GroupConfig holds per-group overrides. The "*" key applies to every group
// without its own entry.
type GroupConfig struct {
	RequireMention *bool `yaml:"require_mention"`
}

// CommandsConfig controls text control commands.
type CommandsConfig struct {
	// Text enables "/command" parsing in message text.
	Text bool `yaml:"text"`

	// UseAccessGroups restricts commands to allowlisted senders. When false
	// every sender may run commands.
	UseAccessGroups bool `yaml:"use_access_groups"`
}

// Config is the per-account monitor configuration.
type Config struct {
	AccountID string `yaml:"account_id"`

	DMPolicy  DMPolicy `yaml:"dm_policy"`
	AllowFrom []string `yaml:"allow_from"`

	GroupPolicy    GroupPolicy            `yaml:"group_policy"`
	GroupAllowFrom []string               `yaml:"group_allow_from"`
	RequireMention bool                   `yaml:"require_mention"`
	Groups         map[string]GroupConfig `yaml:"groups"`

	// ReplyToBotWithoutMention treats a reply to one of the bot's own
	// messages as a mention.
	ReplyToBotWithoutMention bool `yaml:"reply_to_bot_without_mention"`

	// MentionPatterns are extra case-insensitive regexps that count as a
	// mention of the bot.
	MentionPatterns []string `yaml:"mention_patterns"`

	// HistoryLimit is the group history window. DMHistoryLimit overrides it
	// for direct messages.
	HistoryLimit   *int `yaml:"history_limit"`
	DMHistoryLimit *int `yaml:"dm_history_limit"`

	ParseMarkdown   bool     `yaml:"parse_markdown"`
	MediaMaxMB      int      `yaml:"media_max_mb"`
	MediaLocalRoots []string `yaml:"media_local_roots"`
	BlockStreaming  bool     `yaml:"block_streaming"`
	MarkRead        bool     `yaml:"mark_read"`

	ReplyTimeout  time.Duration `yaml:"reply_timeout"`
	BotMessageCap int           `yaml:"bot_message_cap"`

	Commands CommandsConfig `yaml:"commands"`
}

// DefaultConfig returns safe defaults: pairing for DMs, allowlisted groups
// that must mention the bot.
func DefaultConfig() Config {
	return Config{
		AccountID:                "default",
		DMPolicy:                 DMPairing,
		GroupPolicy:              GroupAllowlist,
		RequireMention:           true,
		ReplyToBotWithoutMention: true,
		ParseMarkdown:            true,
		MediaMaxMB:               defaultMediaMaxMB,
		ReplyTimeout:             defaultReplyTimeout,
		BotMessageCap:            defaultBotMessageCap,
		Commands:                 CommandsConfig{Text: true, UseAccessGroups: true},
	}
}

// normalize replaces unknown or zero values with their defaults.
func (c Config) normalize() Config {
	switch c.DMPolicy {
	case DMDisabled, DMOpen, DMAllowlist, DMPairing:
	default:
		c.DMPolicy = DMPairing
	}
	switch c.GroupPolicy {
	case GroupDisabled, GroupOpen, GroupAllowlist:
	default:
		c.GroupPolicy = GroupAllowlist
	}
	if c.AccountID == "" {
		c.AccountID = "default"
	}
	if c.MediaMaxMB <= 0 {
		c.MediaMaxMB = defaultMediaMaxMB
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = defaultReplyTimeout
	}
	if c.BotMessageCap <= 0 {
		c.BotMessageCap = defaultBotMessageCap
	}
	return c
}

func (c Config) groupHistoryLimit() int {
	if c.HistoryLimit != nil {
		return max(*c.HistoryLimit, 0)
	}
	return defaultGroupHistoryLimit
}

// dmHistoryLimit falls back to an explicitly configured group limit before
// the built-in DM default.
func (c Config) dmHistoryLimit() int {
	switch {
	case c.DMHistoryLimit != nil:
		return max(*c.DMHistoryLimit, 0)
	case c.HistoryLimit != nil:
		return max(*c.HistoryLimit, 0)
	default:
		return defaultDMHistoryLimit
	}
}

func (c Config) mediaMaxBytes() int64 {
	return int64(c.MediaMaxMB) * 1024 * 1024
}
