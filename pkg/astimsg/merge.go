package astimsg

// Returns the value that should replace prev's payload
type MergeFunc func(prev, next *Message) (merged Value, ok bool)

type Merger struct {
	// Index of the payload arg in prev
	Arg  int
	Func MergeFunc
}

type Mergers map[Key]Merger

func DefaultMergers() Mergers {
	return Mergers{
		{ID: IDSetState, Namespace: NamespaceState}:    {Arg: stateArgValue, Func: MergeSetState},
		{ID: IDSetStateRel, Namespace: NamespaceState}: {Arg: stateArgValue, Func: MergeSetStateRel},
	}
}

// Folds next into prev and returns true when both messages can be merged
func (ms Mergers) merge(prev, next *Message) bool {
	// Keys must match
	if prev.Key() != next.Key() {
		return false
	}

	// Get merger
	mr, ok := ms[next.Key()]
	if !ok || mr.Func == nil {
		return false
	}

	// Merge
	v, ok := mr.Func(prev, next)
	if !ok {
		return false
	}
	prev.SetArg(mr.Arg, v)
	return true
}

func sameStateTarget(prev, next *Message) (ps, ns State, ok bool) {
	var err error
	if ps, err = prev.State(); err != nil {
		return
	}
	if ns, err = next.State(); err != nil {
		return
	}
	ok = ps.Context == ns.Context && ps.Variable == ns.Variable && ps.Value.Type == ns.Value.Type
	return
}

// Latest absolute value wins
func MergeSetState(prev, next *Message) (Value, bool) {
	_, ns, ok := sameStateTarget(prev, next)
	if !ok {
		return Value{}, false
	}
	return ns.Value.Copy(), true
}

// Relative deltas are added
func MergeSetStateRel(prev, next *Message) (Value, bool) {
	ps, ns, ok := sameStateTarget(prev, next)
	if !ok {
		return Value{}, false
	}
	switch ns.Value.Type {
	case ValueTypeInt:
		return IntValue(ps.Value.Int + ns.Value.Int), true
	case ValueTypeFloat:
		return FloatValue(ps.Value.Float + ns.Value.Float), true
	}
	return Value{}, false
}
