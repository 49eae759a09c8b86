package pipeline

import (
	"testing"

	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

func openPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		DMPolicy:       config.PolicyOpen,
		GroupPolicy:    config.PolicyOpen,
		RequireMention: true,
	}
}

func TestPolicy_AlreadyProcessed(t *testing.T) {
	p := NewPolicy(openPolicy())

	for _, n := range []int64{1, 2, 57, 1000} {
		for _, id := range []int64{1, n / 2, n} {
			if id < 1 {
				continue
			}
			d := p.Decide(domain.InboundMessage{ID: id, ChatID: 5, SenderID: 9}, n)
			if d.ShouldRespond || d.Reason != ReasonAlreadyProcessed {
				t.Fatalf("offset %d, id %d: expected %q, got respond=%v reason=%q", n, id, ReasonAlreadyProcessed, d.ShouldRespond, d.Reason)
			}
		}
		d := p.Decide(domain.InboundMessage{ID: n + 1, ChatID: 5, SenderID: 9}, n)
		if !d.ShouldRespond {
			t.Fatalf("offset %d: id %d should be admitted, got %q", n, n+1, d.Reason)
		}
	}
}

func TestPolicy_AlreadyProcessedWinsOverEverything(t *testing.T) {
	p := NewPolicy(openPolicy())
	d := p.Decide(domain.InboundMessage{ID: 3, IsBot: true}, 3)
	if d.Reason != ReasonAlreadyProcessed {
		t.Fatalf("first rule should match first, got %q", d.Reason)
	}
}

func TestPolicy_BotSender(t *testing.T) {
	p := NewPolicy(openPolicy())
	d := p.Decide(domain.InboundMessage{ID: 1, IsBot: true}, 0)
	if d.ShouldRespond || d.Reason != ReasonBot {
		t.Fatalf("expected bot skip, got %+v", d)
	}
}

func TestPolicy_MentionGating(t *testing.T) {
	p := NewPolicy(openPolicy())
	msg := domain.InboundMessage{ID: 10, ChatID: -100, SenderID: 9, IsGroup: true, Text: "hello"}

	d := p.Decide(msg, 0)
	if d.ShouldRespond || d.Reason != ReasonNotMentioned {
		t.Fatalf("expected %q, got respond=%v reason=%q", ReasonNotMentioned, d.ShouldRespond, d.Reason)
	}

	msg.MentionsAgent = true
	if d := p.Decide(msg, 0); !d.ShouldRespond {
		t.Fatalf("mentioned message should be accepted, got %q", d.Reason)
	}
}

func TestPolicy_MentionNotRequired(t *testing.T) {
	cfg := openPolicy()
	cfg.RequireMention = false
	p := NewPolicy(cfg)

	d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -1, IsGroup: true}, 0)
	if !d.ShouldRespond {
		t.Fatalf("expected respond, got %q", d.Reason)
	}
}

func TestPolicy_DMPolicies(t *testing.T) {
	cfg := openPolicy()
	cfg.DMPolicy = config.PolicyDisabled
	if d := NewPolicy(cfg).Decide(domain.InboundMessage{ID: 1, SenderID: 5}, 0); d.ShouldRespond || d.Reason != ReasonDMDisabled {
		t.Fatalf("disabled DMs should skip, got %+v", d)
	}

	cfg.DMPolicy = config.PolicyAllowlist
	cfg.AllowFrom = []int64{5}
	cfg.AdminIDs = []int64{7}
	p := NewPolicy(cfg)

	if d := p.Decide(domain.InboundMessage{ID: 1, SenderID: 5}, 0); !d.ShouldRespond {
		t.Fatalf("allow-listed sender should pass, got %q", d.Reason)
	}
	if d := p.Decide(domain.InboundMessage{ID: 1, SenderID: 7}, 0); !d.ShouldRespond || !d.IsAdmin {
		t.Fatalf("admin should pass with admin flag, got %+v", d)
	}
	if d := p.Decide(domain.InboundMessage{ID: 1, SenderID: 8}, 0); d.ShouldRespond || d.Reason != ReasonDMNotAllowed {
		t.Fatalf("unknown sender should skip, got %+v", d)
	}
}

func TestPolicy_GroupPolicies(t *testing.T) {
	cfg := openPolicy()
	cfg.RequireMention = false
	cfg.GroupPolicy = config.PolicyDisabled
	if d := NewPolicy(cfg).Decide(domain.InboundMessage{ID: 1, ChatID: -1, IsGroup: true}, 0); d.Reason != ReasonGroupDisabled {
		t.Fatalf("expected %q, got %q", ReasonGroupDisabled, d.Reason)
	}

	cfg.GroupPolicy = config.PolicyAllowlist
	cfg.GroupAllowFrom = []int64{-1}
	p := NewPolicy(cfg)
	if d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -1, IsGroup: true}, 0); !d.ShouldRespond {
		t.Fatalf("allow-listed group should pass, got %q", d.Reason)
	}
	if d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -2, IsGroup: true}, 0); d.Reason != ReasonGroupNotAllowed {
		t.Fatalf("expected %q, got %q", ReasonGroupNotAllowed, d.Reason)
	}
}

func TestPolicy_AllowlistedGroupStillNeedsMention(t *testing.T) {
	cfg := openPolicy()
	cfg.GroupPolicy = config.PolicyAllowlist
	cfg.GroupAllowFrom = []int64{-1}
	p := NewPolicy(cfg)

	d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -1, IsGroup: true}, 0)
	if d.Reason != ReasonNotMentioned {
		t.Fatalf("expected %q, got %q", ReasonNotMentioned, d.Reason)
	}
}

func TestPolicy_AdminFlagOnSkip(t *testing.T) {
	cfg := openPolicy()
	cfg.AdminIDs = []int64{42}
	p := NewPolicy(cfg)

	d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -1, SenderID: 42, IsGroup: true}, 0)
	if d.ShouldRespond {
		t.Fatal("unmentioned group message should skip even for admins")
	}
	if !d.IsAdmin {
		t.Fatal("admin flag must be attached regardless of outcome")
	}
}

func TestPolicy_ChannelPostsSkipped(t *testing.T) {
	p := NewPolicy(openPolicy())
	d := p.Decide(domain.InboundMessage{ID: 1, ChatID: -5, IsChannel: true}, 0)
	if d.ShouldRespond || d.Reason != ReasonChannelPost {
		t.Fatalf("expected channel skip, got %+v", d)
	}
}
