package ca

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// serialDisplayWidth is the minimum width FormatSerial pads to.
const serialDisplayWidth = 5

// ErrSerialPersist means the allocated serial could not be recorded and was not handed out.
var ErrSerialPersist = errors.New("ca: failed to persist serial number")

// SerialRecorder durably records the last serial handed out.
type SerialRecorder interface {
	SaveSerial(ctx context.Context, serial *big.Int) error
}

// SerialAllocator hands out strictly increasing serial numbers. A serial only counts as
// issued once the caller's use of it succeeded and the recorder accepted it.
type SerialAllocator struct {
	mu       sync.Mutex
	last     *big.Int
	recorder SerialRecorder
}

// NewSerialAllocator starts after last. A nil recorder keeps the counter in memory only.
func NewSerialAllocator(last *big.Int, recorder SerialRecorder) *SerialAllocator {
	start := new(big.Int)
	if last != nil {
		start.Set(last)
	}
	return &SerialAllocator{last: start, recorder: recorder}
}

// Allocate reserves the next serial, passes it to use, then records it. The three steps run
// under one lock. If use or the recorder fails the counter stays where it was.
func (a *SerialAllocator) Allocate(ctx context.Context, use func(serial *big.Int) error) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidate := new(big.Int).Add(a.last, big.NewInt(1))
	if use != nil {
		if err := use(new(big.Int).Set(candidate)); err != nil {
			return nil, err
		}
	}
	if a.recorder != nil {
		// Once signing is done the serial is committed regardless of the caller going away.
		if err := a.recorder.SaveSerial(context.WithoutCancel(ctx), candidate); err != nil {
			logger.Error("Serial could not be persisted, discarding", zap.String("serial", candidate.String()), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrSerialPersist, err)
		}
	}
	a.last = candidate
	return new(big.Int).Set(candidate), nil
}

// Next allocates a serial without using it for anything.
func (a *SerialAllocator) Next(ctx context.Context) (*big.Int, error) {
	return a.Allocate(ctx, nil)
}

// Current returns the last serial handed out.
func (a *SerialAllocator) Current() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.last)
}

func (a *SerialAllocator) setRecorder(r SerialRecorder) {
	a.mu.Lock()
	a.recorder = r
	a.mu.Unlock()
}

// FormatSerial renders a serial in decimal, zero padded to at least five digits.
func FormatSerial(n *big.Int) string {
	if n == nil {
		return ""
	}
	s := n.String()
	if len(s) < serialDisplayWidth {
		s = strings.Repeat("0", serialDisplayWidth-len(s)) + s
	}
	return s
}
