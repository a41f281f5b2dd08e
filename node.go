package dispatchz

// workNode is one registered callable in a SyncDispatcher's work ring.
//
// The ring is closed: every node's next is non-nil at all times, including
// the head sentinel's, which points to the first registered node between
// cycles and to itself while a cycle runs (and before any node is added).
// This lets the hot steal loop skip nil checks
// entirely; end-of-work is detected by pointer identity against the
// sentinel, never by a nil comparison.
type workNode struct {
	next   *workNode
	action func()
	index  int
}

// newSyncSentinel returns a ring of one: the head sentinel, pointing to
// itself. Its action is never invoked; it exists only as a ring terminator
// and a steal-cursor rest position.
func newSyncSentinel() *workNode {
	s := &workNode{}
	s.next = s
	s.action = func() {}
	return s
}

// asyncWorkNode is one registered callable in an AsyncDispatcher's work
// ring. A nil action marks the head sentinel.
type asyncWorkNode struct {
	next   *asyncWorkNode
	action func() Awaitable
	index  int
}

func newAsyncSentinel() *asyncWorkNode {
	s := &asyncWorkNode{}
	s.next = s
	return s
}
