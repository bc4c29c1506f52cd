package service

import (
	"fmt"

	"github.com/rl1809/order-placement/internal/core/domain"
)

var transitions = map[domain.PlacementState][]domain.PlacementState{
	domain.StateValidating: {domain.StatePricing, domain.StateAborted},
	domain.StatePricing:    {domain.StateReserving, domain.StateAborted},
	domain.StateReserving:  {domain.StateCommitted, domain.StateAborted},
}

// placementAttempt tracks one PlaceOrder call through
// validating -> pricing -> reserving -> committed | aborted.
type placementAttempt struct {
	state   domain.PlacementState
	reached domain.PlacementState
}

func newPlacementAttempt() *placementAttempt {
	return &placementAttempt{state: domain.StateValidating, reached: domain.StateValidating}
}

func (p *placementAttempt) advance(next domain.PlacementState) {
	for _, allowed := range transitions[p.state] {
		if allowed == next {
			if !next.Terminal() {
				p.reached = next
			}
			p.state = next
			return
		}
	}
	panic(fmt.Sprintf("placement: illegal transition %s -> %s", p.state, next))
}
