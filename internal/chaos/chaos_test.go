package chaos

import (
	"bytes"
	"testing"
	"time"
)

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0, // Always inject
	})

	if got := injector.Next(); got.Type != FaultDisconnect {
		t.Errorf("Next() = %v, want disconnect", got.Type)
	}

	stats := injector.GetStats()
	if stats[FaultDisconnect] != 1 {
		t.Errorf("disconnect hits = %d, want 1", stats[FaultDisconnect])
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable()")
	}
	if got := injector.Next(); got.Type != FaultNone {
		t.Errorf("Next() = %v, want none when disabled", got.Type)
	}

	injector.Enable()
	if got := injector.Next(); got.Type != FaultDisconnect {
		t.Errorf("Next() = %v after Enable()", got.Type)
	}
}

func TestFaultInjector_Nil(t *testing.T) {
	var injector *FaultInjector
	if injector.IsEnabled() {
		t.Error("nil injector reports enabled")
	}
	if got := injector.Next(); got.Type != FaultNone {
		t.Errorf("Next() = %v, want none", got.Type)
	}
	if len(injector.GetStats()) != 0 {
		t.Error("nil injector has stats")
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultCorrupt,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if injector.Next().Type != FaultNone {
			t.Fatal("expected no fault with 0% probability")
		}
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	fault := injector.Next()
	if fault.Type != FaultDelay {
		t.Fatalf("Next() = %v, want delay", fault.Type)
	}
	if fault.Delay < 10*time.Millisecond || fault.Delay > 20*time.Millisecond {
		t.Errorf("delay %v outside expected range [10ms, 20ms]", fault.Delay)
	}
}

func TestFaultInjector_MaxHits(t *testing.T) {
	injector := NewFaultInjector(
		FaultConfig{Type: FaultReject, Probability: 1.0, MaxHits: 2},
		FaultConfig{Type: FaultTruncate, Probability: 1.0},
	)

	want := []FaultType{FaultReject, FaultReject, FaultTruncate, FaultTruncate}
	for i, w := range want {
		if got := injector.Next().Type; got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}

	injector.Reset()
	if got := injector.Next().Type; got != FaultReject {
		t.Errorf("Next() after Reset() = %v, want reject", got)
	}
}

func TestCorruptAndTruncate(t *testing.T) {
	env := []byte{1, 2, 3, 4}

	corrupted := Corrupt(env)
	if !bytes.Equal(corrupted, []byte{1, 2, 3, 0xFB}) {
		t.Errorf("Corrupt() = %v", corrupted)
	}
	if env[3] != 4 {
		t.Error("Corrupt() modified its input")
	}

	if got := Truncate(env, 2); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("Truncate() = %v", got)
	}
	if got := Truncate(env, 10); len(got) != 4 {
		t.Errorf("Truncate() beyond length = %v", got)
	}
}

func TestFaultTypeString(t *testing.T) {
	for ft := FaultNone; ft <= FaultPanic; ft++ {
		if ft.String() == "unknown" {
			t.Errorf("FaultType(%d) has no name", ft)
		}
	}
}

func TestParseFaultType(t *testing.T) {
	for ft := FaultNone; ft <= FaultPanic; ft++ {
		got, err := ParseFaultType(ft.String())
		if err != nil || got != ft {
			t.Errorf("ParseFaultType(%q) = %v, %v", ft.String(), got, err)
		}
	}
	if got, err := ParseFaultType(""); err != nil || got != FaultNone {
		t.Errorf("ParseFaultType(\"\") = %v, %v", got, err)
	}
	if _, err := ParseFaultType("meltdown"); err == nil {
		t.Error("ParseFaultType() accepted an unknown name")
	}
}
