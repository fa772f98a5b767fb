// Package notify implements the Admin Notifier: a Message Bus subscriber
// that renders spec.md §7's admin-notification events (block accepted,
// block submission failed, daemons unreachable, junk-receive ban) to a
// Discord channel. Grounded on the teacher's discordNotifier
// enqueue/drain queue (discord_notifier_queue.go), generalized from a
// worker-online/offline notifier to a generic admin-event sink over
// bus.TopicAdminNotify.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"multipool/internal/bus"
	"multipool/internal/logging"
)

// Event is published on bus.TopicAdminNotify by any component that needs
// operator attention, per spec.md §7's error-handling taxonomy.
type Event struct {
	PoolID  string
	Kind    string // "block_accepted", "block_failed", "daemon_unreachable", "junk_ban"
	Message string
	At      time.Time
}

// Config carries the Discord sink's connection parameters.
type Config struct {
	BotToken  string
	ChannelID string
}

const (
	sendInterval = 2 * time.Second
	queueDepth   = 256
	maxChars     = 1800
)

// Notifier drains bus.TopicAdminNotify and posts each event to a Discord
// channel, rate-limited to sendInterval per message.
type Notifier struct {
	cfg    Config
	bus    *bus.Bus
	logger *logging.Logger

	mu      sync.Mutex
	session *discordgo.Session

	sub chan any
}

// New constructs a Notifier bound to bus's admin-notification topic. If
// cfg is the zero value, Start is a no-op (Discord notification is
// optional, per spec.md §6's configuration surface not requiring it).
func New(cfg Config, b *bus.Bus, l *logging.Logger) *Notifier {
	return &Notifier{cfg: cfg, bus: b, logger: l}
}

// Start opens the Discord session (if configured) and begins draining
// admin-notification events until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	if strings.TrimSpace(n.cfg.BotToken) == "" || strings.TrimSpace(n.cfg.ChannelID) == "" {
		n.logger.Info("admin notifier disabled: no discord credentials configured")
		return nil
	}

	session, err := discordgo.New("Bot " + n.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("notify: create discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("notify: open discord session: %w", err)
	}
	n.mu.Lock()
	n.session = session
	n.mu.Unlock()

	n.sub = n.bus.Subscribe(bus.TopicAdminNotify)
	go n.drainLoop(ctx)
	go func() {
		<-ctx.Done()
		n.bus.Unsubscribe(bus.TopicAdminNotify, n.sub)
		n.mu.Lock()
		if n.session != nil {
			_ = n.session.Close()
		}
		n.mu.Unlock()
	}()
	return nil
}

func (n *Notifier) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	var pending []string
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-n.sub:
			if !ok {
				return
			}
			evt, ok := raw.(Event)
			if !ok {
				continue
			}
			pending = append(pending, formatEvent(evt))
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			n.flush(pending)
			pending = nil
		}
	}
}

func (n *Notifier) flush(lines []string) {
	content := strings.Join(lines, "\n")
	if len(content) > maxChars {
		content = content[:maxChars]
	}
	n.mu.Lock()
	session := n.session
	n.mu.Unlock()
	if session == nil {
		return
	}
	if _, err := session.ChannelMessageSend(n.cfg.ChannelID, content); err != nil {
		n.logger.Warn("admin notifier send failed", "error", err)
	}
}

func formatEvent(evt Event) string {
	prefix := fmt.Sprintf("[%s]", evt.Kind)
	if evt.PoolID != "" {
		prefix = fmt.Sprintf("[%s/%s]", evt.PoolID, evt.Kind)
	}
	return fmt.Sprintf("%s %s", prefix, evt.Message)
}
