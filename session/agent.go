package session

import "sync"

// Agent is an operator that can receive a transferred call.
type Agent struct {
	ID          int
	PhoneNumber string
	Busy        bool
}

// Roster is a mutex-guarded list of agents, replaced wholesale on
// each panel batch (spec.md §5).
type Roster struct {
	mu     sync.Mutex
	agents []*Agent
	cursor int
}

// NewRoster builds a Roster from a flat agent list.
func NewRoster(agents []*Agent) *Roster {
	return &Roster{agents: agents}
}

// Replace swaps in a new agent list wholesale, preserving no busy
// state from the previous roster (a fresh batch always wins).
func (r *Roster) Replace(agents []*Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = agents
	r.cursor = 0
}

// NextAvailable picks the next non-busy agent by round-robin and
// marks it busy atomically, returning nil if every agent is busy.
func (r *Roster) NextAvailable() *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.agents)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		if !r.agents[idx].Busy {
			r.agents[idx].Busy = true
			r.cursor = (idx + 1) % n
			return r.agents[idx]
		}
	}
	return nil
}

// Release marks an agent non-busy again. Always called regardless of
// how a transfer_to_operator step ends (§4.7).
func (r *Roster) Release(agentID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == agentID {
			a.Busy = false
			return
		}
	}
}
