package sched

import "github.com/asterism-labs/hadron/kernel/task"

// Capacity limits for one executor. The slot array, the id index and the
// ready rings are sized at construction so that no scheduler path
// allocates while a lock is held.
const (
	// maxTasks is the number of live tasks one executor can hold.
	maxTasks = 1024

	// indexBits sizes the open-addressing id index at twice the slot
	// count, which keeps its live load factor at or below one half.
	indexBits = 11
	indexCap  = 1 << indexBits
	indexMask = indexCap - 1
)

// Task lifecycle states. All transitions happen under the table lock. A
// completed task leaves the table immediately, so its slot goes straight
// back to stateFree.
const (
	stateFree uint8 = iota
	stateWaiting
	stateRunnable
)

func stateString(s uint8) string {
	switch s {
	case stateWaiting:
		return "waiting"
	case stateRunnable:
		return "runnable"
	default:
		return "free"
	}
}

// taskEntry is one task table slot. Entry pointers stay valid for the
// executor's lifetime because the slot array never reallocates.
type taskEntry struct {
	id       task.ID
	meta     task.Meta
	pollable task.Pollable
	waker    task.Waker
	state    uint8
	nextFree int32
}

// Index cell occupancy markers.
const (
	cellEmpty uint8 = iota
	cellLive
	cellTombstone
)

// indexEntry is one cell of the open-addressing id index.
type indexEntry struct {
	id   task.ID
	slot int32
	used uint8
}

// taskTable maps live task ids to slots with linear probing. Ids never
// repeat, so a lookup can stop at the first empty cell; tombstones left
// behind by removals are recycled by later inserts.
type taskTable struct {
	slots    []taskEntry
	index    []indexEntry
	freeHead int32
	nextID   uint64
	live     int
}

func (t *taskTable) init() {
	t.slots = make([]taskEntry, maxTasks)
	t.index = make([]indexEntry, indexCap)
	for i := range t.slots {
		t.slots[i].nextFree = int32(i + 1)
	}
	t.slots[maxTasks-1].nextFree = -1
	t.freeHead = 0
}

// idHash spreads the sequential id space across the index.
func idHash(id task.ID) int {
	return int(uint64(id) * 0x9e3779b97f4a7c15 >> (64 - indexBits))
}

// allocID returns the next task id, skipping 0 so the zero Waker stays
// inert. The 56-bit space wraps after far more spawns than a single boot
// can perform.
func (t *taskTable) allocID() task.ID {
	for {
		t.nextID++
		if id := task.ID(t.nextID) & task.MaxID; id != 0 {
			return id
		}
	}
}

// acquire pops a free slot, fills it and indexes it under a fresh id. It
// returns nil when the table is at capacity.
func (t *taskTable) acquire(p task.Pollable, meta task.Meta, cpuSlot uint32) *taskEntry {
	if t.freeHead < 0 {
		return nil
	}
	slot := t.freeHead
	entry := &t.slots[slot]
	t.freeHead = entry.nextFree

	id := t.allocID()
	entry.id = id
	entry.meta = meta
	entry.pollable = p
	entry.waker = task.NewWaker(meta.Priority, cpuSlot, id)
	entry.state = stateRunnable
	t.live++
	t.indexInsert(id, slot)

	return entry
}

// lookup returns the entry bound to id, or nil when id is not live.
func (t *taskTable) lookup(id task.ID) *taskEntry {
	h := idHash(id)
	for probe := 0; probe < indexCap; probe++ {
		cell := &t.index[(h+probe)&indexMask]
		if cell.used == cellEmpty {
			return nil
		}
		if cell.used == cellLive && cell.id == id {
			return &t.slots[cell.slot]
		}
	}

	return nil
}

// remove unbinds id and returns its slot to the free list. It reports
// whether the id was live.
func (t *taskTable) remove(id task.ID) bool {
	h := idHash(id)
	for probe := 0; probe < indexCap; probe++ {
		cell := &t.index[(h+probe)&indexMask]
		if cell.used == cellEmpty {
			return false
		}
		if cell.used != cellLive || cell.id != id {
			continue
		}

		cell.used = cellTombstone
		entry := &t.slots[cell.slot]
		entry.pollable = nil
		entry.state = stateFree
		entry.nextFree = t.freeHead
		t.freeHead = cell.slot
		t.live--

		return true
	}

	return false
}

// indexInsert binds id to slot. The caller guarantees id is absent. With
// live cells capped at half the index a probe sweep always encounters an
// empty or recyclable cell.
func (t *taskTable) indexInsert(id task.ID, slot int32) {
	h := idHash(id)
	firstTomb := -1
	for probe := 0; probe < indexCap; probe++ {
		pos := (h + probe) & indexMask
		cell := &t.index[pos]
		switch cell.used {
		case cellEmpty:
			if firstTomb >= 0 {
				cell = &t.index[firstTomb]
			}
			cell.id, cell.slot, cell.used = id, slot, cellLive
			return
		case cellTombstone:
			if firstTomb < 0 {
				firstTomb = pos
			}
		}
	}

	if firstTomb < 0 {
		panicFn(errIndexFull)
		return
	}
	cell := &t.index[firstTomb]
	cell.id, cell.slot, cell.used = id, slot, cellLive
}
