package sandbox

// invocationState is the "output" context slot plus the private verdict
// fields the host ops mutate (spec.md §4.1.1/§9: "a per-invocation typed
// record owned by the host", never a process-wide global). One is built
// fresh per Invoke call and discarded afterwards.
type invocationState struct {
	mutating bool

	allowed    bool
	denyReason string
	patch      any
	output     map[string]any
}

func newInvocationState(inv Invocation) *invocationState {
	return &invocationState{
		mutating: inv.Mutating,
		allowed:  true,
	}
}

func (s *invocationState) result() *Result {
	out := s.output
	if out == nil {
		out = map[string]any{}
	}
	return &Result{
		Allowed:    s.allowed,
		DenyReason: s.denyReason,
		Patch:      s.patch,
		Output:     out,
	}
}

// allow clears any previously recorded deny, per "subsequent allow()
// overrides" in spec.md's host ABI table.
func (s *invocationState) allow() {
	s.allowed = true
	s.denyReason = ""
}

func (s *invocationState) deny(reason string) {
	s.allowed = false
	s.denyReason = reason
}

// setPatch is last-writer-wins within one invocation, per spec.md.
func (s *invocationState) setPatch(patch any) {
	s.patch = patch
}

func (s *invocationState) setOutput(output map[string]any) {
	s.output = output
}
