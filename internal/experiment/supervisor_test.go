package experiment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSupervisor_RestartRehydratesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	h := Spawn(uuid.New(), greedyConfig(0, 42), store, Config{
		CheckpointInterval: 20 * time.Millisecond,
		RestartBackoff:     time.Millisecond,
	}, testMetrics(), nil)
	defer h.Shutdown(ctx)

	arm, err := h.AddArm(ctx, 0, 0)
	if err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	if err := h.Update(ctx, 0, arm, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Let a checkpoint tick commit the update.
	time.Sleep(80 * time.Millisecond)

	h.crash(ctx)

	// The restarted actor answers from the last committed snapshot.
	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := h.Stats(deadline)
	if err != nil {
		t.Fatalf("Stats after restart: %v", err)
	}
	if st := stats[arm]; st.Pulls != 1 || st.MeanReward != 1 {
		t.Errorf("stats after restart = %+v, want pulls=1 mean=1", st)
	}
}

func TestSupervisor_AtMostOneIntervalLost(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	h := Spawn(uuid.New(), greedyConfig(0, 42), store, Config{
		CheckpointInterval: time.Hour, // only the create checkpoint commits
		RestartBackoff:     time.Millisecond,
	}, testMetrics(), nil)
	defer h.Shutdown(ctx)

	arm, err := h.AddArm(ctx, 0, 0)
	if err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	if err := h.Update(ctx, 0, arm, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	h.crash(ctx)

	// Post-snapshot mutations are gone: the restart restores the empty
	// experiment committed at create time.
	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := h.Stats(deadline)
	if err != nil {
		t.Fatalf("Stats after restart: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("stats after restart = %v, want the pre-crash snapshot (no arms)", stats)
	}
}

func TestSupervisor_QueuedMessagesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	h := Spawn(uuid.New(), greedyConfig(0, 42), store, Config{
		CheckpointInterval: time.Hour,
		RestartBackoff:     time.Millisecond,
	}, testMetrics(), nil)
	defer h.Shutdown(ctx)

	if err := h.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// Enqueue the crash and a follow-up without waiting: the follow-up
	// sits in the mailbox across the restart and is served afterwards.
	crashReq := request{msg: msgCrash{}, reply: make(chan response, 1)}
	pingReq := request{msg: msgPing{}, reply: make(chan response, 1)}
	h.sup.mailbox <- crashReq
	h.sup.mailbox <- pingReq

	select {
	case resp := <-crashReq.reply:
		if !errors.Is(resp.err, ErrInternal) {
			t.Errorf("crash reply = %v, want ErrInternal", resp.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to crashed message")
	}
	select {
	case resp := <-pingReq.reply:
		if resp.err != nil {
			t.Errorf("queued ping after restart = %v, want nil", resp.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not served after restart")
	}
}

func TestSupervisor_DegradesAfterRestartBudget(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	degraded := make(chan uuid.UUID, 1)
	id := uuid.New()
	h := Spawn(id, greedyConfig(0, 42), store, Config{
		CheckpointInterval: time.Hour,
		RestartBackoff:     time.Millisecond,
		RestartMaxBurst:    2,
	}, testMetrics(), func(got uuid.UUID) { degraded <- got })

	for i := 0; i < 3; i++ {
		h.crash(ctx)
	}

	select {
	case got := <-degraded:
		if got != id {
			t.Errorf("degraded id = %s, want %s", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never degraded")
	}

	if err := h.Ping(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Ping after degrade = %v, want ErrStopped", err)
	}
}

func TestSupervisor_UndeserializableSnapshotFailsFast(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	id := uuid.New()

	// A blob that passes nothing: the actor must refuse to start.
	if err := store.Put(ctx, id, []byte("BSNP corrupt")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	degraded := make(chan uuid.UUID, 1)
	h := Spawn(id, nil, store, Config{RestartBackoff: time.Millisecond}, testMetrics(),
		func(got uuid.UUID) { degraded <- got })

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("actor with corrupt snapshot never degraded")
	}
	if err := h.Ping(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Ping = %v, want ErrStopped", err)
	}
}

func TestSupervisor_SeededDrawsReproducibleAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	build := func() *Handle {
		return Spawn(uuid.New(), greedyConfig(0.5, 7), store, Config{
			CheckpointInterval: 20 * time.Millisecond,
			RestartBackoff:     time.Millisecond,
		}, testMetrics(), nil)
	}

	// Reference run: no crash.
	ref := build()
	defer ref.Shutdown(ctx)
	if _, err := ref.AddArm(ctx, 0, 0); err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	if _, err := ref.AddArm(ctx, 0, 0); err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	var want []uint32
	for i := 0; i < 20; i++ {
		res, err := ref.Draw(ctx)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		want = append(want, res.ArmID)
	}

	// Crashing run: same seed and history, with a shutdown-grade
	// checkpoint committed before the crash so nothing is lost.
	sub := build()
	defer sub.Shutdown(ctx)
	if _, err := sub.AddArm(ctx, 0, 0); err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	if _, err := sub.AddArm(ctx, 0, 0); err != nil {
		t.Fatalf("AddArm: %v", err)
	}
	var got []uint32
	for i := 0; i < 10; i++ {
		res, err := sub.Draw(ctx)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		got = append(got, res.ArmID)
	}

	// Wait out a checkpoint tick so the snapshot carries the RNG state,
	// then crash: the restarted actor continues the same sequence.
	time.Sleep(100 * time.Millisecond)
	sub.crash(ctx)

	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		res, err := sub.Draw(deadline)
		if err != nil {
			t.Fatalf("draw after restart: %v", err)
		}
		got = append(got, res.ArmID)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("draw %d = %d, want %d (full: got %v want %v)", i, got[i], want[i], got, want)
		}
	}
}
