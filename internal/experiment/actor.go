package experiment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/ident"
	"github.com/banditlabs/banditd/internal/metrics"
	"github.com/banditlabs/banditd/internal/policy"
	"github.com/banditlabs/banditd/internal/statestore"
)

// Config holds the per-actor runtime parameters. Zero values fall back
// to the defaults below.
type Config struct {
	CheckpointInterval time.Duration
	MailboxCapacity    int
	RestartMaxBurst    int
	RestartBackoff     time.Duration
}

const (
	defaultCheckpointInterval = 10 * time.Second
	defaultMailboxCapacity    = 64
	defaultRestartMaxBurst    = 5
	defaultRestartBackoff     = 100 * time.Millisecond

	loadTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = defaultMailboxCapacity
	}
	if c.RestartMaxBurst <= 0 {
		c.RestartMaxBurst = defaultRestartMaxBurst
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = defaultRestartBackoff
	}
	return c
}

type runOutcome int

const (
	runCrashed runOutcome = iota
	runStopped
	runFailedLoad
)

// actor owns one experiment's policy instance. It is the only goroutine
// that touches the policy, so message handlers need no locks; they run
// to completion in mailbox order. A fresh actor is built for every
// (re)start; the mailbox outlives it so queued messages survive a crash.
type actor struct {
	id      uuid.UUID
	cfg     Config
	initial *policy.Config
	store   statestore.Store
	met     *metrics.Metrics
	mailbox chan request

	pol   policy.Policy
	dirty bool
}

func (a *actor) run() runOutcome {
	if !a.load() {
		return runFailedLoad
	}

	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-a.mailbox:
			if _, ok := req.msg.(msgShutdown); ok {
				a.stop(req)
				return runStopped
			}
			if crashed := a.process(req); crashed {
				return runCrashed
			}
		case <-ticker.C:
			if a.dirty {
				a.checkpoint()
			}
		}
	}
}

// load rehydrates the policy: from the last committed snapshot when one
// exists, otherwise from the initial config given at spawn. A snapshot
// that fails to decode is a fail-fast condition. Messages arriving
// meanwhile queue in the mailbox, so callers never observe the window.
func (a *actor) load() bool {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	blob, err := a.store.Get(ctx, a.id)
	if err != nil {
		log.Printf("experiment %s: fetching snapshot: %v", a.id, err)
	}
	if blob != nil {
		pol, err := policy.Decode(blob)
		if err != nil {
			log.Printf("experiment %s: undeserializable snapshot, refusing to start: %v", a.id, err)
			return false
		}
		a.pol = pol
		return true
	}

	if a.initial == nil {
		log.Printf("experiment %s: no snapshot and no initial config", a.id)
		return false
	}
	pol, err := policy.New(*a.initial)
	if err != nil {
		log.Printf("experiment %s: invalid initial config: %v", a.id, err)
		return false
	}
	a.pol = pol

	// First checkpoint right away: a crash before any user activity
	// must still restore a valid empty experiment.
	a.dirty = true
	a.checkpoint()
	return true
}

// stop drains queued messages, takes a final checkpoint and replies to
// the shutdown request.
func (a *actor) stop(shutdown request) {
	for {
		select {
		case req := <-a.mailbox:
			if _, ok := req.msg.(msgShutdown); ok {
				req.reply <- response{}
				continue
			}
			a.process(req)
		default:
			if a.dirty {
				a.checkpoint()
			}
			shutdown.reply <- response{}
			return
		}
	}
}

func (a *actor) checkpoint() {
	blob, err := policy.Encode(a.pol)
	if err != nil {
		log.Printf("experiment %s: encoding snapshot: %v", a.id, err)
		a.countCheckpointError()
		return
	}
	if err := a.store.Put(context.Background(), a.id, blob); err != nil {
		// Keep dirty so the next tick retries.
		log.Printf("experiment %s: storing snapshot: %v", a.id, err)
		a.countCheckpointError()
		return
	}
	a.dirty = false
	if a.met != nil {
		a.met.CheckpointsTotal.Inc()
	}
}

func (a *actor) countCheckpointError() {
	if a.met != nil {
		a.met.CheckpointErrors.Inc()
	}
}

// process handles one message. A panicking handler answers the in-flight
// request with ErrInternal and reports the crash to the supervisor;
// typed errors are replies, never panics.
func (a *actor) process(req request) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("experiment %s: handler panic: %v", a.id, r)
			req.reply <- response{err: fmt.Errorf("%w: %v", ErrInternal, r)}
			crashed = true
		}
	}()

	switch msg := req.msg.(type) {
	case msgPing:
		req.reply <- response{}
	case msgConfig:
		req.reply <- response{val: a.pol.Config()}
	case msgAddArm:
		id := a.pol.AddArm(msg.reward, msg.count)
		a.dirty = true
		req.reply <- response{val: id}
	case msgRemoveArm:
		err := a.pol.RemoveArm(msg.arm)
		a.dirty = a.dirty || err == nil
		req.reply <- response{err: err}
	case msgDisableArm:
		err := a.pol.DisableArm(msg.arm)
		a.dirty = a.dirty || err == nil
		req.reply <- response{err: err}
	case msgEnableArm:
		err := a.pol.EnableArm(msg.arm)
		a.dirty = a.dirty || err == nil
		req.reply <- response{err: err}
	case msgReset:
		a.pol.Reset()
		a.dirty = true
		req.reply <- response{}
	case msgResetArm:
		err := a.pol.ResetArm(msg.arm, msg.reward, msg.count)
		a.dirty = a.dirty || err == nil
		req.reply <- response{err: err}
	case msgDraw:
		arm, err := a.pol.Draw()
		if err != nil {
			req.reply <- response{err: err}
			break
		}
		// The RNG advanced (and epsilon may have decayed), so the
		// state is dirty even though no counter moved.
		a.dirty = true
		if a.met != nil {
			a.met.DrawsTotal.WithLabelValues(a.pol.Config().Type()).Inc()
		}
		req.reply <- response{val: DrawResult{Timestamp: ident.NowMS(), ArmID: arm}}
	case msgUpdate:
		err := a.pol.Update(msg.arm, msg.reward)
		if err == nil {
			a.dirty = true
			if a.met != nil {
				a.met.UpdatesTotal.Inc()
			}
		}
		req.reply <- response{err: err}
	case msgUpdateBatch:
		results := make(BatchResult, 0, len(msg.updates))
		for _, entry := range msg.updates {
			err := a.pol.Update(entry.ArmID, entry.Reward)
			if err == nil {
				a.dirty = true
				if a.met != nil {
					a.met.UpdatesTotal.Inc()
				}
			}
			results = append(results, err)
		}
		req.reply <- response{val: results}
	case msgStats:
		req.reply <- response{val: statsReply(a.pol.Stats())}
	case msgCrash:
		panic("injected crash")
	default:
		req.reply <- response{err: fmt.Errorf("%w: unknown message %T", ErrInternal, req.msg)}
	}
	return false
}
