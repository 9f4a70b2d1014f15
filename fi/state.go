package fi

// Role distinguishes listening endpoints from connected ones.
type Role uint8

const (
	RoleActive Role = iota
	RolePassive
)

func (r Role) String() string {
	if r == RolePassive {
		return "passive"
	}
	return "active"
}

// State is an endpoint lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateInfoResolved
	StateDomainBound
	StateQueueBound
	StateEnabled
	StateListening
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInfoResolved:
		return "info_resolved"
	case StateDomainBound:
		return "domain_bound"
	case StateQueueBound:
		return "queue_bound"
	case StateEnabled:
		return "enabled"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type transition struct {
	from State
	to   State
	role Role
}

// transitions lists every legal move except the move to StateClosed, which
// is allowed from any state.
var transitions = map[transition]bool{
	{StateUninitialized, StateInfoResolved, RoleActive}:  true,
	{StateUninitialized, StateInfoResolved, RolePassive}: true,
	{StateInfoResolved, StateDomainBound, RoleActive}:    true,
	{StateInfoResolved, StateDomainBound, RolePassive}:   true,
	{StateDomainBound, StateQueueBound, RoleActive}:      true,
	{StateDomainBound, StateQueueBound, RolePassive}:     true,
	{StateQueueBound, StateEnabled, RoleActive}:          true,
	{StateQueueBound, StateListening, RolePassive}:       true,
	{StateEnabled, StateConnecting, RoleActive}:          true,
	{StateConnecting, StateConnected, RoleActive}:        true,
}

// CanTransition reports whether an endpoint with role may move from one state to another.
func CanTransition(role Role, from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	return transitions[transition{from, to, role}]
}
