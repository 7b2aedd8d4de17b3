package dex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kvdexhq/kvdex/collection"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// Scheduler minimums guarantee the queue listener is registered
// before the first delivery can arrive (spec §4.9).
const (
	minIntervalStartDelay = time.Second
	minLoopStartDelay     = time.Second
)

// TickMsg is the envelope a scheduler callback receives on every
// tick: spec §4.9's `{count, interval|delay, timestamp, first}`.
type TickMsg struct {
	Count     int   `json:"count"`
	DelayMS   int64 `json:"delayMs"`
	Timestamp int64 `json:"timestamp"`
	First     bool  `json:"first"`
}

// SchedulerOptions configures SetInterval/Loop/Cron.
type SchedulerOptions struct {
	// While, if set, is consulted after every tick; returning false
	// stops the scheduler. Defaults to "keep going".
	While func(TickMsg) bool
	// ExitOn, if set and it returns true, stops the scheduler — an
	// alternative phrasing of the same decision as While.
	ExitOn func(TickMsg) bool
	// OnExit fires once, after the final tick, when While or ExitOn
	// stops the scheduler. It is not called when ctx is cancelled or
	// when fn returns an error.
	OnExit func()
	// StartDelay is clamped up to the scheduler kind's minimum.
	StartDelay time.Duration
	// Retry bounds the enqueue-and-confirm inner loop. Defaults to 10.
	Retry           int
	BackoffSchedule []time.Duration
}

// SetInterval schedules fn to run every interval, using the
// enqueue-and-confirm retry loop described in spec §4.9. It blocks
// until the scheduler exits (via While/ExitOn) or ctx is cancelled.
func (db *Database) SetInterval(ctx context.Context, fn func(TickMsg) error, interval time.Duration, opts SchedulerOptions) error {
	return db.scheduleLoop(ctx, fn, opts, func(TickMsg) time.Duration { return interval }, minIntervalStartDelay)
}

// Loop schedules fn with a delay computed from the previous tick by
// delayFn, rather than a constant interval.
func (db *Database) Loop(ctx context.Context, fn func(TickMsg) error, delayFn func(TickMsg) time.Duration, opts SchedulerOptions) error {
	return db.scheduleLoop(ctx, fn, opts, delayFn, minLoopStartDelay)
}

// Cron schedules fn on the cron schedule parsed from spec (standard
// five-field cron syntax, via robfig/cron/v3), driving the same
// queue-retry loop as SetInterval with the delay recomputed from the
// schedule on every tick.
func (db *Database) Cron(ctx context.Context, spec string, fn func(TickMsg) error, opts SchedulerOptions) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("dex: parse cron spec %q: %w", spec, err)
	}
	delayFn := func(TickMsg) time.Duration {
		return time.Until(schedule.Next(time.Now()))
	}
	return db.scheduleLoop(ctx, fn, opts, delayFn, minIntervalStartDelay)
}

// scheduleLoop is the shared engine behind SetInterval/Loop/Cron: a
// fresh uuid topic/handler-id, a dedicated __undelivered__ key, and
// the retry-enqueue-and-confirm inner loop from spec §4.9.
func (db *Database) scheduleLoop(ctx context.Context, fn func(TickMsg) error, opts SchedulerOptions, delayFn func(TickMsg) time.Duration, minStartDelay time.Duration) error {
	topic := uuid.NewString()
	undeliveredKey := keys.Key{"__undelivered__", topic}

	startDelay := opts.StartDelay
	if startDelay < minStartDelay {
		startDelay = minStartDelay
	}

	stopped := make(chan error, 1)
	var count int

	err := db.Listen(ctx, topic, func(hctx context.Context, qm collection.QueueMessage) error {
		var msg TickMsg
		if err := json.Unmarshal(qm.Data, &msg); err != nil {
			return fmt.Errorf("dex: scheduler %s: unmarshal tick: %w", topic, err)
		}

		if err := fn(msg); err != nil {
			return err
		}

		keepGoing := true
		if opts.While != nil {
			keepGoing = opts.While(msg)
		}
		if opts.ExitOn != nil && opts.ExitOn(msg) {
			keepGoing = false
		}
		if !keepGoing {
			if opts.OnExit != nil {
				opts.OnExit()
			}
			select {
			case stopped <- nil:
			default:
			}
			return nil
		}

		count++
		delay := delayFn(msg)
		next := TickMsg{Count: count, DelayMS: delay.Milliseconds(), Timestamp: time.Now().UnixMilli()}
		go func() {
			if err := db.enqueueWithConfirmation(hctx, topic, undeliveredKey, next, delay, opts); err != nil {
				db.log.WithFields(logrus.Fields{"topic": topic, "error": err}).Error("dex: scheduler re-enqueue failed")
			}
		}()
		return nil
	})
	if err != nil {
		return err
	}

	first := TickMsg{Count: 0, DelayMS: startDelay.Milliseconds(), Timestamp: time.Now().UnixMilli(), First: true}
	go func() {
		if err := db.enqueueWithConfirmation(ctx, topic, undeliveredKey, first, startDelay, opts); err != nil {
			db.log.WithFields(logrus.Fields{"topic": topic, "error": err}).Error("dex: scheduler initial enqueue failed")
		}
	}()

	select {
	case err := <-stopped:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWithConfirmation implements spec §4.9's inner retry loop:
// enqueue, wait roughly the scheduled delay, then check whether the
// undelivered sentinel was written. Its absence means the message was
// delivered (and already consumed by the handler above); its presence
// means the attempt must be cleared and retried.
func (db *Database) enqueueWithConfirmation(ctx context.Context, topic string, undeliveredKey keys.Key, msg TickMsg, delay time.Duration, opts SchedulerOptions) error {
	attempts := opts.Retry
	if attempts <= 0 {
		attempts = 10
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := db.Enqueue(ctx, topic, collection.QueueMessage{Data: payload}, kv.EnqueueOptions{
			Delay:             delay,
			KeysIfUndelivered: []keys.Key{undeliveredKey},
			BackoffSchedule:   opts.BackoffSchedule,
		}); err != nil {
			return err
		}

		select {
		case <-time.After(delay + 50*time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}

		e, err := db.store.Get(ctx, undeliveredKey, kv.GetOptions{})
		if err != nil {
			return err
		}
		if !e.Found() {
			return nil
		}
		if err := db.store.Delete(ctx, undeliveredKey); err != nil {
			return err
		}
	}
	return kvdexerr.New(kvdexerr.CommitConflict, fmt.Sprintf("dex: scheduler %s: message undelivered after %d attempts", topic, attempts))
}
