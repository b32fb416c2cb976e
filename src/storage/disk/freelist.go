package disk

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

var (
	ErrDoubleFree        = errors.New("block is already free")
	ErrBlockOutOfRange   = errors.New("block id out of range")
	ErrReadOnly          = errors.New("block manager is read-only")
	ErrManagerClosed     = errors.New("block manager is closed")
	ErrCorruptChain      = errors.New("corrupt metadata chain")
	ErrBlockNotAllocated = errors.New("block is not allocated")
)

// freeList is a LIFO stack of reusable block ids with a membership index.
type freeList struct {
	ids []common.BlockID
	set map[common.BlockID]struct{}
}

func newFreeList() freeList {
	return freeList{set: map[common.BlockID]struct{}{}}
}

func (l *freeList) push(id common.BlockID) error {
	if _, ok := l.set[id]; ok {
		return fmt.Errorf("block %d: %w", id, ErrDoubleFree)
	}

	l.ids = append(l.ids, id)
	l.set[id] = struct{}{}
	return nil
}

func (l *freeList) pop() (common.BlockID, bool) {
	if len(l.ids) == 0 {
		return common.InvalidBlockID, false
	}

	id := l.ids[len(l.ids)-1]
	l.ids = l.ids[:len(l.ids)-1]
	delete(l.set, id)
	return id, true
}

func (l *freeList) contains(id common.BlockID) bool {
	_, ok := l.set[id]
	return ok
}

// remove takes a specific id off the list. O(n), only used by WAL replay.
func (l *freeList) remove(id common.BlockID) bool {
	if !l.contains(id) {
		return false
	}

	delete(l.set, id)
	l.ids = slices.DeleteFunc(l.ids, func(x common.BlockID) bool { return x == id })
	return true
}

func (l *freeList) snapshot() []common.BlockID {
	return slices.Clone(l.ids)
}

func (l *freeList) reset(ids []common.BlockID) error {
	*l = newFreeList()
	for _, id := range ids {
		if err := l.push(id); err != nil {
			return err
		}
	}
	return nil
}

// allocator is the free list plus the block count; shared by the file and
// in-memory managers.
type allocator struct {
	free       freeList
	blockCount uint64
}

func (a *allocator) allocate() common.BlockID {
	if id, ok := a.free.pop(); ok {
		return id
	}

	id := common.BlockID(a.blockCount)
	a.blockCount++
	return id
}

func (a *allocator) release(id common.BlockID) error {
	if !id.IsValid() || uint64(id) >= a.blockCount {
		return fmt.Errorf("block %d of %d: %w", id, a.blockCount, ErrBlockOutOfRange)
	}
	return a.free.push(id)
}

// markUsed makes id allocated regardless of its current state: blocks past
// the end extend the file (the gap becomes free), free blocks leave the list.
func (a *allocator) markUsed(id common.BlockID) error {
	if id < 0 {
		return fmt.Errorf("block %d: %w", id, ErrBlockOutOfRange)
	}

	for uint64(id) >= a.blockCount {
		gap := common.BlockID(a.blockCount)
		a.blockCount++
		if gap != id {
			if err := a.free.push(gap); err != nil {
				return err
			}
		}
	}

	a.free.remove(id)
	return nil
}

func (a *allocator) checkAllocated(id common.BlockID) error {
	if !id.IsValid() || uint64(id) >= a.blockCount {
		return fmt.Errorf("block %d of %d: %w", id, a.blockCount, ErrBlockOutOfRange)
	}
	if a.free.contains(id) {
		return fmt.Errorf("block %d: %w", id, ErrBlockNotAllocated)
	}
	return nil
}
