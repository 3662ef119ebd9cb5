package replay_test

import (
	"testing"

	"github.com/merlos/trip/internal/replay"
)

func TestWindow_FirstPacketAlwaysAdmitted(t *testing.T) {
	var w replay.Window
	if err := w.Check(1000); err != nil {
		t.Fatalf("first packet should always be admitted, got %v", err)
	}
}

func TestWindow_ReplayRejected(t *testing.T) {
	var w replay.Window
	w.Accept(10)

	if err := w.Check(10); err != replay.ErrReplay {
		t.Errorf("replaying the same sequence should be rejected, got %v", err)
	}
}

func TestWindow_AdvancingAccepted(t *testing.T) {
	var w replay.Window
	w.Accept(10)
	if err := w.Check(11); err != nil {
		t.Errorf("advancing sequence should be admitted, got %v", err)
	}
	w.Accept(11)
	if w.MaxSeen() != 11 {
		t.Errorf("MaxSeen = %d, want 11", w.MaxSeen())
	}
}

func TestWindow_OutOfWindowRejected(t *testing.T) {
	var w replay.Window
	w.Accept(1000)
	if err := w.Check(1000 - replay.Size); err != replay.ErrReplay {
		t.Errorf("sequence at exactly maxSeen-Size should be rejected, got %v", err)
	}
	if err := w.Check(1000 - replay.Size + 1); err != nil {
		t.Errorf("sequence at maxSeen-Size+1 should be admitted, got %v", err)
	}
}

func TestWindow_OutOfOrderWithinWindowAccepted(t *testing.T) {
	var w replay.Window
	w.Accept(100)
	w.Accept(105) // skip ahead
	if err := w.Check(102); err != nil {
		t.Errorf("sequence 102 within window should be admitted, got %v", err)
	}
	w.Accept(102)
	if err := w.Check(102); err != replay.ErrReplay {
		t.Error("replaying 102 after acceptance should be rejected")
	}
}

func TestWindow_SlideDropsOldBits(t *testing.T) {
	var w replay.Window
	w.Accept(50)
	w.Accept(50 + replay.Size) // slide the whole window past 50
	if err := w.Check(50); err != replay.ErrReplay {
		t.Errorf("sequence 50 should now be below the window, got %v", err)
	}
}

func TestWindow_ManySequentialAccepts(t *testing.T) {
	var w replay.Window
	for seq := uint32(1); seq <= 1000; seq++ {
		if err := w.Check(seq); err != nil {
			t.Fatalf("sequence %d should be admitted, got %v", seq, err)
		}
		w.Accept(seq)
	}
	if err := w.Check(500); err != replay.ErrReplay {
		t.Error("old sequence 500 should be rejected after 1000 accepts")
	}
}
