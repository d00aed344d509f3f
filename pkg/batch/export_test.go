package batch

// HeldLocks reports how many job locks are allocated.
func (o *Orchestrator) HeldLocks() int {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	return len(o.locks)
}
