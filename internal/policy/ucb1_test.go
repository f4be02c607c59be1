package policy

import (
	"errors"
	"math"
	"testing"
)

func TestUCB1_UnpulledArmsDrawnInIDOrder(t *testing.T) {
	p := newUCB1(UCB1Config{})
	p.AddArm(0, 0)
	p.AddArm(0, 0)
	p.AddArm(0, 0)

	// Without updates in between, the zero-count rule keeps returning
	// the smallest unpulled id, so three draws see 0, 0, 0; with an
	// update after each draw the order is 0, 1, 2.
	for want := uint32(0); want < 3; want++ {
		got, err := p.Draw()
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if got != want {
			t.Fatalf("draw = %d, want %d", got, want)
		}
		mustUpdate(t, p, got, 0)
	}
}

func TestUCB1_ScoreArgmax(t *testing.T) {
	p := newUCB1(UCB1Config{})
	arm0 := p.AddArm(0, 0)
	arm1 := p.AddArm(0, 0)

	// arm0: 2 pulls, mean 1.0; arm1: 8 pulls, mean 0.5.
	mustUpdate(t, p, arm0, 1)
	mustUpdate(t, p, arm0, 1)
	for i := 0; i < 8; i++ {
		mustUpdate(t, p, arm1, 0.5)
	}

	t10 := float64(1 + 10)
	score0 := 1.0 + math.Sqrt(2*math.Log(t10)/2)
	score1 := 0.5 + math.Sqrt(2*math.Log(t10)/8)
	want := arm0
	if score1 > score0 {
		want = arm1
	}

	got, err := p.Draw()
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got != want {
		t.Errorf("Draw = %d, want %d (scores %v vs %v)", got, want, score0, score1)
	}
}

func TestUCB1_SingleArmCountOne(t *testing.T) {
	// ln(1 + 1) with one pull must not blow up; t starts at 1 + total.
	p := newUCB1(UCB1Config{})
	arm := p.AddArm(0, 0)
	mustUpdate(t, p, arm, 1)

	got, err := p.Draw()
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got != arm {
		t.Errorf("Draw = %d, want %d", got, arm)
	}
}

func TestUCB1_SkipsDisabledZeroCountArms(t *testing.T) {
	p := newUCB1(UCB1Config{})
	arm0 := p.AddArm(0, 0)
	arm1 := p.AddArm(0, 0)

	if err := p.DisableArm(arm0); err != nil {
		t.Fatalf("DisableArm: %v", err)
	}
	got, err := p.Draw()
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got != arm1 {
		t.Errorf("Draw = %d, want %d", got, arm1)
	}
}

func TestUCB1_DrawEmpty(t *testing.T) {
	p := newUCB1(UCB1Config{})
	if _, err := p.Draw(); !errors.Is(err, ErrNoActiveArms) {
		t.Fatalf("Draw = %v, want ErrNoActiveArms", err)
	}
}

func TestUCB1_DeterministicGivenState(t *testing.T) {
	build := func() *UCB1 {
		p := newUCB1(UCB1Config{})
		a := p.AddArm(0, 0)
		b := p.AddArm(0, 0)
		mustUpdate(t, p, a, 1)
		mustUpdate(t, p, b, 0)
		mustUpdate(t, p, b, 1)
		return p
	}

	p1, p2 := build(), build()
	for i := 0; i < 5; i++ {
		g1, err1 := p1.Draw()
		g2, err2 := p2.Draw()
		if err1 != nil || err2 != nil {
			t.Fatalf("draw %d: %v / %v", i, err1, err2)
		}
		if g1 != g2 {
			t.Fatalf("draw %d diverged: %d vs %d", i, g1, g2)
		}
	}
}
