package domain

type Address struct {
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

type CartLine struct {
	ProductID string
	Quantity  int
}

// NormalizedLine holds the summed quantity of every CartLine sharing ProductID.
type NormalizedLine struct {
	ProductID string
	Quantity  int
}

type PlacementState string

const (
	StateValidating PlacementState = "validating"
	StatePricing    PlacementState = "pricing"
	StateReserving  PlacementState = "reserving"
	StateCommitted  PlacementState = "committed"
	StateAborted    PlacementState = "aborted"
)

func (s PlacementState) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}
