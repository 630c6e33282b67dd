package model

// State is the position of a user in the conversation.
// Values are persisted, so they are stable strings rather than iota ints.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingAuthCode     State = "awaiting_auth_code"
	StateAwaitingTaskName     State = "awaiting_task_name"
	StateAwaitingTaskDate     State = "awaiting_task_date"
	StateAwaitingListDay      State = "awaiting_list_day"
	StateAwaitingDeleteDay    State = "awaiting_delete_day"
	StateAwaitingDeleteChoice State = "awaiting_delete_choice"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateIdle,
	StateAwaitingAuthCode,
	StateAwaitingTaskName,
	StateAwaitingTaskDate,
	StateAwaitingListDay,
	StateAwaitingDeleteDay,
	StateAwaitingDeleteChoice,
}

// transitions is the dialog table. Staying in the same state and returning
// to idle are always allowed and are not listed.
var transitions = map[State][]State{
	StateIdle: {
		StateAwaitingAuthCode,
		StateAwaitingTaskName,
		StateAwaitingListDay,
		StateAwaitingDeleteDay,
	},
	StateAwaitingAuthCode:     nil,
	StateAwaitingTaskName:     {StateAwaitingTaskDate},
	StateAwaitingTaskDate:     nil,
	StateAwaitingListDay:      nil,
	StateAwaitingDeleteDay:    {StateAwaitingDeleteChoice},
	StateAwaitingDeleteChoice: nil,
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ExpectsDate reports whether the state is waiting for a picker result.
func (s State) ExpectsDate() bool {
	switch s {
	case StateAwaitingTaskDate, StateAwaitingListDay, StateAwaitingDeleteDay:
		return true
	}
	return false
}

// CanTransition reports whether the dialog table allows moving from one
// state to another.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to == StateIdle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
