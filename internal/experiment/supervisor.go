package experiment

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/metrics"
	"github.com/banditlabs/banditd/internal/policy"
	"github.com/banditlabs/banditd/internal/statestore"
)

// healthyUptime is how long an actor must run before its restart budget
// resets.
const healthyUptime = 30 * time.Second

// restartBackoffCap bounds the delay between rapid successive restarts.
const restartBackoffCap = 5 * time.Second

// Handle is the public face of a supervised experiment actor. Methods
// post a message to the actor's mailbox and await the reply; messages
// from one caller are processed in send order. Cancelling the context
// abandons the wait but never the handler — the operation completes on
// the actor side regardless.
type Handle struct {
	id  uuid.UUID
	sup *supervisor
}

// Spawn starts a supervised actor for an experiment. initial may be nil
// when the experiment is being reloaded from the state store at startup;
// fresh experiments pass their policy config. onDegraded is invoked
// (from the supervisor goroutine) when the actor exhausts its restart
// budget or cannot hydrate, so the owner can unregister the handle.
func Spawn(id uuid.UUID, initial *policy.Config, store statestore.Store, cfg Config, met *metrics.Metrics, onDegraded func(uuid.UUID)) *Handle {
	cfg = cfg.withDefaults()
	s := &supervisor{
		id:         id,
		store:      store,
		cfg:        cfg,
		met:        met,
		onDegraded: onDegraded,
		mailbox:    make(chan request, cfg.MailboxCapacity),
		done:       make(chan struct{}),
	}
	go s.loop(initial)
	return &Handle{id: id, sup: s}
}

// ID returns the experiment id this handle serves.
func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) Ping(ctx context.Context) error {
	_, err := h.sup.call(ctx, msgPing{})
	return err
}

// Config reports the experiment's current policy configuration.
func (h *Handle) Config(ctx context.Context) (policy.Config, error) {
	val, err := h.sup.call(ctx, msgConfig{})
	if err != nil {
		return policy.Config{}, err
	}
	return val.(policy.Config), nil
}

func (h *Handle) AddArm(ctx context.Context, initialReward float64, initialCount uint64) (uint32, error) {
	val, err := h.sup.call(ctx, msgAddArm{reward: initialReward, count: initialCount})
	if err != nil {
		return 0, err
	}
	return val.(uint32), nil
}

func (h *Handle) RemoveArm(ctx context.Context, arm uint32) error {
	_, err := h.sup.call(ctx, msgRemoveArm{arm: arm})
	return err
}

func (h *Handle) DisableArm(ctx context.Context, arm uint32) error {
	_, err := h.sup.call(ctx, msgDisableArm{arm: arm})
	return err
}

func (h *Handle) EnableArm(ctx context.Context, arm uint32) error {
	_, err := h.sup.call(ctx, msgEnableArm{arm: arm})
	return err
}

func (h *Handle) Reset(ctx context.Context) error {
	_, err := h.sup.call(ctx, msgReset{})
	return err
}

func (h *Handle) ResetArm(ctx context.Context, arm uint32, cumulativeReward float64, count uint64) error {
	_, err := h.sup.call(ctx, msgResetArm{arm: arm, reward: cumulativeReward, count: count})
	return err
}

func (h *Handle) Draw(ctx context.Context) (DrawResult, error) {
	val, err := h.sup.call(ctx, msgDraw{})
	if err != nil {
		return DrawResult{}, err
	}
	return val.(DrawResult), nil
}

// Update incorporates one observed reward. The timestamp is ignored by
// current policies; it is reserved for future decayed-reward policies.
func (h *Handle) Update(ctx context.Context, timestamp float64, arm uint32, reward float64) error {
	_ = timestamp
	_, err := h.sup.call(ctx, msgUpdate{arm: arm, reward: reward})
	return err
}

// UpdateBatch applies the entries in order and reports a per-entry
// result; a single failing entry never aborts the batch.
func (h *Handle) UpdateBatch(ctx context.Context, updates []BatchEntry) (BatchResult, error) {
	val, err := h.sup.call(ctx, msgUpdateBatch{updates: updates})
	if err != nil {
		return nil, err
	}
	return val.(BatchResult), nil
}

func (h *Handle) Stats(ctx context.Context) (map[uint32]policy.ArmStats, error) {
	val, err := h.sup.call(ctx, msgStats{})
	if err != nil {
		return nil, err
	}
	return map[uint32]policy.ArmStats(val.(statsReply)), nil
}

// Shutdown drains queued messages, takes a best-effort final checkpoint
// and stops the actor for good.
func (h *Handle) Shutdown(ctx context.Context) error {
	_, err := h.sup.call(ctx, msgShutdown{})
	return err
}

// crash injects a handler panic. Only tests exercise it.
func (h *Handle) crash(ctx context.Context) {
	req := request{msg: msgCrash{}, reply: make(chan response, 1)}
	select {
	case h.sup.mailbox <- req:
		select {
		case <-req.reply:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

// supervisor owns the mailbox and restarts the actor on abnormal
// termination, reason-agnostic. The mailbox is shared across incarnations
// so messages queued during a restart are served by the next actor.
type supervisor struct {
	id         uuid.UUID
	store      statestore.Store
	cfg        Config
	met        *metrics.Metrics
	onDegraded func(uuid.UUID)
	mailbox    chan request
	done       chan struct{}
}

func (s *supervisor) loop(initial *policy.Config) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RestartBackoff
	bo.MaxInterval = restartBackoffCap

	burst := 0
	for {
		a := &actor{
			id:      s.id,
			cfg:     s.cfg,
			initial: initial,
			store:   s.store,
			met:     s.met,
			mailbox: s.mailbox,
		}
		started := time.Now()

		switch s.runActor(a) {
		case runStopped:
			close(s.done)
			s.drain()
			return
		case runFailedLoad:
			s.degrade("cannot hydrate state")
			return
		case runCrashed:
			if s.met != nil {
				s.met.RestartsTotal.Inc()
			}
			if time.Since(started) >= healthyUptime {
				burst = 0
				bo.Reset()
			}
			burst++
			if burst > s.cfg.RestartMaxBurst {
				s.degrade("restart budget exhausted")
				return
			}
			delay := bo.NextBackOff()
			log.Printf("experiment %s: actor crashed, restarting in %s (attempt %d/%d)",
				s.id, delay, burst, s.cfg.RestartMaxBurst)
			time.Sleep(delay)
		}
	}
}

// runActor guards against panics escaping the per-message recovery (for
// example out of load), mapping them to a crash outcome.
func (s *supervisor) runActor(a *actor) (outcome runOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("experiment %s: actor panic: %v", s.id, r)
			outcome = runCrashed
		}
	}()
	return a.run()
}

func (s *supervisor) degrade(reason string) {
	log.Printf("experiment %s: degraded: %s", s.id, reason)
	if s.met != nil {
		s.met.DegradedTotal.Inc()
	}
	close(s.done)
	s.drain()
	if s.onDegraded != nil {
		s.onDegraded(s.id)
	}
}

// drain answers whatever is still queued after the actor stopped.
func (s *supervisor) drain() {
	for {
		select {
		case req := <-s.mailbox:
			req.reply <- response{err: ErrStopped}
		default:
			return
		}
	}
}

func (s *supervisor) call(ctx context.Context, msg any) (any, error) {
	req := request{msg: msg, reply: make(chan response, 1)}
	select {
	case s.mailbox <- req:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.val, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// The actor stopped after we enqueued; the drain pass or the
		// final handler may still have answered.
		select {
		case resp := <-req.reply:
			return resp.val, resp.err
		default:
			return nil, ErrStopped
		}
	}
}
