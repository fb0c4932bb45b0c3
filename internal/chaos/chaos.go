// Package chaos injects faults into the emulated remote-control peer so
// clients can be tested against misbehaving servers.
package chaos

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means the reply is sent unchanged.
	FaultNone FaultType = iota
	// FaultDisconnect drops the connection instead of replying.
	FaultDisconnect
	// FaultDelay holds the reply back.
	FaultDelay
	// FaultCorrupt flips a bit in the sealed reply.
	FaultCorrupt
	// FaultTruncate sends only the head of the sealed reply.
	FaultTruncate
	// FaultReject replaces the reply with an error response.
	FaultReject
	// FaultPanic panics in the connection goroutine.
	FaultPanic
)

func (t FaultType) String() string {
	switch t {
	case FaultNone:
		return "none"
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultCorrupt:
		return "corrupt"
	case FaultTruncate:
		return "truncate"
	case FaultReject:
		return "reject"
	case FaultPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// ParseFaultType parses a fault name as printed by FaultType.String.
// The empty string parses as FaultNone.
func ParseFaultType(name string) (FaultType, error) {
	if name == "" {
		return FaultNone, nil
	}
	for t := FaultNone; t <= FaultPanic; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return FaultNone, fmt.Errorf("unknown fault type %q", name)
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration

	// MaxHits stops injecting this fault after n hits. Zero is unlimited.
	MaxHits int64
}

// Fault is one injection decision.
type Fault struct {
	Type  FaultType
	Delay time.Duration
}

// FaultInjector decides which fault, if any, applies to the next reply.
// A nil injector never injects.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector. Configs are evaluated in
// order and the first that fires wins.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next returns the fault for the next reply.
func (f *FaultInjector) Next() Fault {
	if f == nil {
		return Fault{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return Fault{}
	}

	for _, config := range f.configs {
		if config.MaxHits > 0 && f.faultHits[config.Type] >= config.MaxHits {
			continue
		}
		if f.rng.Float64() >= config.Probability {
			continue
		}
		f.faultHits[config.Type]++
		fault := Fault{Type: config.Type}
		if config.Type == FaultDelay {
			fault.Delay = f.randomDelay(config.MinDelay, config.MaxDelay)
		}
		return fault
	}

	return Fault{}
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	stats := make(map[FaultType]int64)
	if f == nil {
		return stats
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := max - min
	return min + time.Duration(f.rng.Int63n(int64(delta)))
}

// Corrupt returns a copy of envelope with the last byte inverted.
func Corrupt(envelope []byte) []byte {
	out := make([]byte, len(envelope))
	copy(out, envelope)
	if len(out) > 0 {
		out[len(out)-1] ^= 0xFF
	}
	return out
}

// Truncate returns at most n leading bytes of envelope.
func Truncate(envelope []byte, n int) []byte {
	if len(envelope) < n {
		n = len(envelope)
	}
	return envelope[:n]
}
