package astimsg

import (
	"sync"

	"github.com/google/uuid"
)

const routingTableSize = 16

// Keeps the most recently seen correlation ids, oldest ones are evicted first
type routingTable struct {
	ids  [routingTableSize]uuid.UUID
	m    sync.Mutex // Locks ids, n, next
	n    int
	next int
}

func newRoutingTable() *routingTable {
	return &routingTable{}
}

// Mutex should be locked
func (t *routingTable) indexUnlocked(id uuid.UUID) int {
	for i := 0; i < t.n; i++ {
		idx := (t.next - 1 - i + routingTableSize) % routingTableSize
		if t.ids[idx] == id {
			return idx
		}
	}
	return -1
}

// Invalid ids are ignored
func (t *routingTable) put(s string) {
	// Parse
	id, err := uuid.Parse(s)
	if err != nil {
		return
	}

	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Id already exists: remove it so that it moves to the front
	if idx := t.indexUnlocked(id); idx >= 0 {
		// Shift newer entries back by one slot
		for i := idx; i != (t.next-1+routingTableSize)%routingTableSize; i = (i + 1) % routingTableSize {
			t.ids[i] = t.ids[(i+1)%routingTableSize]
		}
		t.next = (t.next - 1 + routingTableSize) % routingTableSize
		t.n--
	}

	// Insert
	t.ids[t.next] = id
	t.next = (t.next + 1) % routingTableSize
	if t.n < routingTableSize {
		t.n++
	}
}

func (t *routingTable) get(s string) bool {
	// Parse
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}

	// Lock
	t.m.Lock()
	defer t.m.Unlock()
	return t.indexUnlocked(id) >= 0
}
