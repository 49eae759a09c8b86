package pipeline

import (
	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// Skip reasons reported on a Decision.
const (
	ReasonAlreadyProcessed = "already processed"
	ReasonBot              = "sender is a bot"
	ReasonChannelPost      = "channel posts are not handled"
	ReasonDMDisabled       = "direct messages disabled"
	ReasonDMNotAllowed     = "sender not in allow list"
	ReasonGroupDisabled    = "group messages disabled"
	ReasonGroupNotAllowed  = "group not in allow list"
	ReasonNotMentioned     = "not mentioned"
)

// Policy is the static access configuration. Decide has no side effects.
type Policy struct {
	dmPolicy       string
	groupPolicy    string
	requireMention bool
	admins         map[int64]bool
	allowFrom      map[int64]bool
	groupAllowFrom map[int64]bool
}

func NewPolicy(cfg config.PolicyConfig) *Policy {
	return &Policy{
		dmPolicy:       cfg.DMPolicy,
		groupPolicy:    cfg.GroupPolicy,
		requireMention: cfg.RequireMention,
		admins:         idSet(cfg.AdminIDs),
		allowFrom:      idSet(cfg.AllowFrom),
		groupAllowFrom: idSet(cfg.GroupAllowFrom),
	}
}

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// IsAdmin reports whether the sender is in the admin list.
func (p *Policy) IsAdmin(senderID int64) bool {
	return p.admins[senderID]
}

// Decide maps a message and the chat's committed offset to a verdict.
// Rules are evaluated in order and the first match wins.
func (p *Policy) Decide(msg domain.InboundMessage, offset int64) domain.Decision {
	d := domain.Decision{
		Message: msg,
		IsAdmin: p.IsAdmin(msg.SenderID),
	}

	if msg.ID <= offset {
		return skip(d, ReasonAlreadyProcessed)
	}
	if msg.IsBot {
		return skip(d, ReasonBot)
	}

	switch {
	case msg.IsChannel:
		return skip(d, ReasonChannelPost)

	case !msg.IsGroup:
		switch p.dmPolicy {
		case config.PolicyDisabled:
			return skip(d, ReasonDMDisabled)
		case config.PolicyAllowlist:
			if !d.IsAdmin && !p.allowFrom[msg.SenderID] {
				return skip(d, ReasonDMNotAllowed)
			}
		}

	default:
		switch p.groupPolicy {
		case config.PolicyDisabled:
			return skip(d, ReasonGroupDisabled)
		case config.PolicyAllowlist:
			if !d.IsAdmin && !p.groupAllowFrom[msg.ChatID] {
				return skip(d, ReasonGroupNotAllowed)
			}
		}
		if p.requireMention && !msg.MentionsAgent {
			return skip(d, ReasonNotMentioned)
		}
	}

	d.ShouldRespond = true
	return d
}

func skip(d domain.Decision, reason string) domain.Decision {
	d.ShouldRespond = false
	d.Reason = reason
	return d
}
