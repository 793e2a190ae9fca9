// Package alert turns region flag transitions into notifications.
package alert

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
)

// Kind is the transition an alert reports.
type Kind string

const (
	KindFlood     Kind = "flood"
	KindDrought   Kind = "drought"
	KindRecovered Kind = "recovered"
)

// Alert describes one region changing state.
type Alert struct {
	Kind     Kind
	Region   string
	Level    float64
	Need     float64
	Capacity float64
}

// Text renders the alert as a one-line message.
func (a Alert) Text() string {
	switch a.Kind {
	case KindFlood:
		return fmt.Sprintf("🌊 %s is flooding: %.1f of %.1f capacity", a.Region, a.Level, a.Capacity)
	case KindDrought:
		return fmt.Sprintf("🏜 %s is in drought: %.1f of %.1f needed", a.Region, a.Level, a.Need)
	default:
		return fmt.Sprintf("✅ %s recovered: %.1f (need %.1f)", a.Region, a.Level, a.Need)
	}
}

// Transitions compares two states of the same region and returns the
// alerts they imply, flood before drought.
func Transitions(prev, cur model.Region) []Alert {
	mk := func(k Kind) Alert {
		return Alert{Kind: k, Region: cur.ID, Level: cur.WaterLevel, Need: cur.WaterNeed, Capacity: cur.WaterCapacity}
	}
	var out []Alert
	if cur.Flooded && !prev.Flooded {
		out = append(out, mk(KindFlood))
	}
	if cur.InDrought && !prev.InDrought {
		out = append(out, mk(KindDrought))
	}
	if (prev.Flooded || prev.InDrought) && !cur.Flooded && !cur.InDrought {
		out = append(out, mk(KindRecovered))
	}
	return out
}

// Notifier delivers alerts somewhere.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Sender is the part of *tgbotapi.BotAPI the Telegram notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to one Telegram chat.
type TelegramNotifier struct {
	sender Sender
	chatID int64
}

// NewTelegramNotifier authorises a bot with token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewTelegramNotifierWithSender(bot, chatID), nil
}

// NewTelegramNotifierWithSender uses an existing sender.
func NewTelegramNotifierWithSender(sender Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

// Notify implements Notifier.
func (t *TelegramNotifier) Notify(_ context.Context, a Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, a.Text())
	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert for %s: %w", a.Region, err)
	}
	return nil
}

// LogNotifier writes alerts to a logger. Floods and droughts are warnings.
type LogNotifier struct {
	Log logging.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, a Alert) error {
	log := l.Log
	if log == nil {
		return nil
	}
	fields := []logging.Field{
		logging.String("region", a.Region),
		logging.String("kind", string(a.Kind)),
		logging.Float("level", a.Level),
	}
	if a.Kind == KindRecovered {
		log.Info(ctx, a.Text(), fields...)
	} else {
		log.Warn(ctx, a.Text(), fields...)
	}
	return nil
}

// Watcher subscribes to knowledge-base events and queues alerts for
// delivery. KB callbacks never block on delivery and never drop an alert:
// the queue grows until Run or Flush drains it.
type Watcher struct {
	notifiers []Notifier
	log       logging.Logger

	mu      sync.Mutex
	pending []Alert
	wake    chan struct{}
}

// NewWatcher creates a watcher delivering to notifiers.
func NewWatcher(log logging.Logger, notifiers ...Notifier) *Watcher {
	if log == nil {
		log = logging.Noop()
	}
	return &Watcher{
		notifiers: notifiers,
		log:       log,
		wake:      make(chan struct{}, 1),
	}
}

// Attach subscribes the watcher to store and returns the unsubscribe func.
func (w *Watcher) Attach(store *kb.KnowledgeBase) func() {
	return store.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventRegionUpdated {
			return
		}
		alerts := Transitions(ev.Previous, ev.Region)
		if len(alerts) == 0 {
			return
		}
		w.mu.Lock()
		w.pending = append(w.pending, alerts...)
		w.mu.Unlock()

		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
}

// Pending returns how many alerts wait for delivery.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run delivers alerts as they are queued until ctx is done, then flushes
// what is left.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.Flush(context.WithoutCancel(ctx))
			return nil
		case <-w.wake:
			w.Flush(ctx)
		}
	}
}

// Flush delivers every queued alert in arrival order and returns how many
// it delivered.
func (w *Watcher) Flush(ctx context.Context) int {
	n := 0
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, a := range batch {
			w.deliver(ctx, a)
		}
		n += len(batch)
	}
}

func (w *Watcher) deliver(ctx context.Context, a Alert) {
	for _, n := range w.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			w.log.Warn(ctx, "alert delivery failed", logging.String("region", a.Region), logging.Err(err))
		}
	}
}
