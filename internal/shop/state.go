package shop

type UnitState string

const (
	UnitAvailable UnitState = "AVAILABLE"
	UnitReserved  UnitState = "RESERVED"
	UnitSold      UnitState = "SOLD" // terminal, a unit is sold exactly once
)

var validNext = map[UnitState]map[UnitState]bool{
	UnitAvailable: {UnitReserved: true},
	UnitReserved:  {UnitSold: true, UnitAvailable: true},
	UnitSold:      {},
}

func CanTransition(from, to UnitState) bool {
	return validNext[from][to]
}
