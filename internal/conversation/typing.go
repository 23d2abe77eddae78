package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/wutzup/internal/transport"
	"go.uber.org/zap"
)

func (e *Engine) applyTyping(gen uint64, ev transport.TypingEvent) {
	if ev.UserID == "" || ev.UserID == e.opts.UserID {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	if !ev.IsTyping {
		delete(e.typing, ev.UserID)
		return
	}
	exp := ev.ExpiresAt
	if exp.IsZero() {
		exp = e.now().Add(e.opts.TypingTTL)
	}
	e.typing[ev.UserID] = exp
}

func (e *Engine) applyPresence(gen uint64, p transport.Presence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.presence = &p
}

// Typing returns the display names of peers currently typing, sorted.
// Entries past their expiry are dropped.
func (e *Engine) Typing() []string {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.typing))
	for user, exp := range e.typing {
		if !exp.After(now) {
			delete(e.typing, user)
			continue
		}
		names = append(names, e.displayName(user))
	}
	sort.Strings(names)
	return names
}

// TypingIndicator renders the typing peers as a single line, or "" when
// nobody is typing.
func (e *Engine) TypingIndicator() string {
	return typingText(e.Typing())
}

func typingText(names []string) string {
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing..."
	case n == 2:
		return names[0] + " and " + names[1] + " are typing..."
	case n == 3:
		return fmt.Sprintf("%s, %s and %s are typing...", names[0], names[1], names[2])
	default:
		return fmt.Sprintf("%s, %s and %d others are typing...", names[0], names[1], n-2)
	}
}

func (e *Engine) displayName(user string) string {
	if name := e.opts.Names[user]; name != "" {
		return name
	}
	return user
}

// PresenceText describes the peer of a one-to-one conversation: "online",
// "last seen 5 minutes ago", "offline", or "" when unknown.
func (e *Engine) PresenceText() string {
	e.mu.Lock()
	p := e.presence
	e.mu.Unlock()

	switch {
	case p == nil:
		return ""
	case p.Online:
		return "online"
	case p.LastSeen.IsZero():
		return "offline"
	default:
		return "last seen " + humanize.RelTime(p.LastSeen, e.now(), "ago", "from now")
	}
}

// Draft returns the unsent composer text.
func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// SetComposerText updates the draft and the user's own typing state. Typing
// is announced on the transition to non-empty text and withdrawn when the
// composer is cleared.
func (e *Engine) SetComposerText(ctx context.Context, text string) {
	blank := strings.TrimSpace(text) == ""

	e.draftMu.Lock()
	e.mu.Lock()
	e.draft = text
	announce := !blank && !e.selfTyping
	withdraw := blank && e.selfTyping
	e.selfTyping = !blank
	e.mu.Unlock()

	if c := e.deps.Cache; c != nil {
		var err error
		if blank {
			err = c.DeleteDraft(e.opts.ConversationID)
		} else {
			err = c.SaveDraft(e.opts.ConversationID, text)
		}
		if err != nil {
			e.logger.Warn("persist draft failed", zap.Error(err))
		}
	}
	e.draftMu.Unlock()

	switch {
	case announce:
		e.sendTyping(ctx, true)
	case withdraw:
		e.sendTyping(ctx, false)
	}
}

func (e *Engine) sendTyping(ctx context.Context, typing bool) {
	p := e.deps.Presence
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.SetTyping(ctx, e.opts.UserID, e.opts.ConversationID, typing); err != nil {
		e.logger.Debug("set typing failed", zap.Bool("typing", typing), zap.Error(err))
	}
}
