package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/lib/async"
)

// Dispatcher delivers user-facing notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, title, body string, metadata map[string]string) error
}

// Submitter hands a delivery off to background workers. *async.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, fn async.Task) error
}

// AlertDirection is the side a price crossed the threshold towards.
type AlertDirection string

const (
	// CrossedUp means the price moved from below to at-or-above the threshold.
	CrossedUp AlertDirection = "up"
	// CrossedDown means the price moved from at-or-above to below the threshold.
	CrossedDown AlertDirection = "down"
)

// AlertEvent describes a threshold crossing selected for dispatch.
type AlertEvent struct {
	Symbol      string
	DisplayName string
	Threshold   float64
	Price       float64
	Previous    float64
	Direction   AlertDirection
	At          time.Time
}

// Crossing reports whether moving from previous to current crosses threshold.
// A missing previous price counts as below the threshold.
func Crossing(previous float64, hasPrevious bool, current, threshold float64) (AlertDirection, bool) {
	if threshold <= 0 {
		return "", false
	}
	wasAbove := hasPrevious && previous >= threshold
	isAbove := current >= threshold
	switch {
	case !wasAbove && isAbove:
		return CrossedUp, true
	case wasAbove && !isAbove:
		return CrossedDown, true
	default:
		return "", false
	}
}

// AlertEvaluator turns price transitions into at most one notification per
// crossing.
type AlertEvaluator struct {
	dispatcher   Dispatcher
	submitter    Submitter
	logger       *log.Logger
	metrics      *engineMetrics
	notifyOnDrop atomic.Bool
	denied       atomic.Bool
}

// NewAlertEvaluator builds an evaluator. A nil submitter delivers inline on the caller's goroutine.
func NewAlertEvaluator(dispatcher Dispatcher, submitter Submitter, logger *log.Logger) *AlertEvaluator {
	if logger == nil {
		logger = log.New(os.Stdout, "alerts ", log.LstdFlags|log.Lmicroseconds)
	}
	return &AlertEvaluator{
		dispatcher: dispatcher,
		submitter:  submitter,
		logger:     logger,
	}
}

// SetNotifyOnDrop controls whether downward crossings are dispatched.
func (a *AlertEvaluator) SetNotifyOnDrop(enabled bool) {
	a.notifyOnDrop.Store(enabled)
}

// NotifyOnDrop reports whether downward crossings are dispatched.
func (a *AlertEvaluator) NotifyOnDrop() bool {
	return a.notifyOnDrop.Load()
}

// NotificationsDenied reports whether the dispatcher refused permission.
func (a *AlertEvaluator) NotificationsDenied() bool {
	return a.denied.Load()
}

// ResetPermission re-enables dispatch after the user granted permission again.
func (a *AlertEvaluator) ResetPermission() {
	if a.denied.CompareAndSwap(true, false) {
		a.logger.Printf("notification permission reset")
	}
}

// Evaluate updates item's trigger state for the transition from previous to
// item.CurrentPrice and returns the event to dispatch, if any. It must run
// inside the watchlist critical section.
func (a *AlertEvaluator) Evaluate(item *schema.WatchedItem, previous float64, hasPrevious bool, now time.Time) *AlertEvent {
	if item == nil || !item.HasThreshold() {
		return nil
	}
	direction, crossed := Crossing(previous, hasPrevious, item.CurrentPrice, item.AlertThreshold)
	if !crossed {
		return nil
	}
	if direction == CrossedUp {
		at := now
		item.AlertTriggered = true
		item.AlertTriggeredAt = &at
	} else if !a.notifyOnDrop.Load() {
		return nil
	}
	return &AlertEvent{
		Symbol:      item.Symbol,
		DisplayName: item.DisplayName,
		Threshold:   item.AlertThreshold,
		Price:       item.CurrentPrice,
		Previous:    previous,
		Direction:   direction,
		At:          now,
	}
}

// Dispatch delivers ev. Failures are logged and swallowed.
func (a *AlertEvaluator) Dispatch(ctx context.Context, ev AlertEvent) {
	if a.dispatcher == nil {
		return
	}
	if a.denied.Load() {
		a.logger.Printf("alert for %s suppressed: notifications denied", ev.Symbol)
		return
	}
	deliver := func(ctx context.Context) error {
		a.deliver(ctx, ev)
		return nil
	}
	if a.submitter == nil {
		_ = deliver(ctx)
		return
	}
	if err := a.submitter.Submit(ctx, deliver); err != nil {
		a.logger.Printf("alert for %s dropped: %v", ev.Symbol, err)
		a.metrics.alertFailed(ev.Direction)
	}
}

func (a *AlertEvaluator) deliver(ctx context.Context, ev AlertEvent) {
	if a.denied.Load() {
		return
	}
	title, body := alertText(ev)
	metadata := map[string]string{
		"symbol":    ev.Symbol,
		"direction": string(ev.Direction),
		"threshold": strconv.FormatFloat(ev.Threshold, 'f', -1, 64),
		"price":     strconv.FormatFloat(ev.Price, 'f', -1, 64),
		"at":        ev.At.UTC().Format(time.RFC3339),
	}
	err := a.dispatcher.Dispatch(ctx, title, body, metadata)
	if err == nil {
		a.metrics.alertDispatched(ev.Direction)
		return
	}
	a.metrics.alertFailed(ev.Direction)
	if errs.IsPermission(err) {
		if a.denied.CompareAndSwap(false, true) {
			a.logger.Printf("notifications denied, suppressing further alerts: %v", err)
		}
		return
	}
	a.logger.Printf("alert dispatch for %s failed: %v", ev.Symbol, err)
}

func alertText(ev AlertEvent) (string, string) {
	name := ev.DisplayName
	if name == "" {
		name = ev.Symbol
	}
	verb := "rose above"
	if ev.Direction == CrossedDown {
		verb = "fell below"
	}
	title := fmt.Sprintf("%s price alert", ev.Symbol)
	body := fmt.Sprintf("%s %s %s at %s", name, verb,
		strconv.FormatFloat(ev.Threshold, 'f', 2, 64),
		strconv.FormatFloat(ev.Price, 'f', 2, 64))
	return title, body
}
