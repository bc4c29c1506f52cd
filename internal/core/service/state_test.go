package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rl1809/order-placement/internal/core/domain"
)

func TestPlacementAttempt_HappyPath(t *testing.T) {
	p := newPlacementAttempt()
	p.advance(domain.StatePricing)
	p.advance(domain.StateReserving)
	p.advance(domain.StateCommitted)

	assert.Equal(t, domain.StateCommitted, p.state)
	assert.Equal(t, domain.StateReserving, p.reached)
}

func TestPlacementAttempt_AbortFromAnyLiveState(t *testing.T) {
	for _, path := range [][]domain.PlacementState{
		{},
		{domain.StatePricing},
		{domain.StatePricing, domain.StateReserving},
	} {
		p := newPlacementAttempt()
		for _, s := range path {
			p.advance(s)
		}
		p.advance(domain.StateAborted)
		assert.Equal(t, domain.StateAborted, p.state)
	}
}

func TestPlacementAttempt_IllegalTransitions(t *testing.T) {
	assert.Panics(t, func() {
		newPlacementAttempt().advance(domain.StateCommitted)
	})
	assert.Panics(t, func() {
		p := newPlacementAttempt()
		p.advance(domain.StatePricing)
		p.advance(domain.StateCommitted)
	})
	assert.PanicsWithValue(t, "placement: illegal transition aborted -> pricing", func() {
		p := newPlacementAttempt()
		p.advance(domain.StateAborted)
		p.advance(domain.StatePricing)
	})
	assert.Panics(t, func() {
		p := newPlacementAttempt()
		p.advance(domain.StatePricing)
		p.advance(domain.StateReserving)
		p.advance(domain.StateCommitted)
		p.advance(domain.StateAborted)
	})
}
