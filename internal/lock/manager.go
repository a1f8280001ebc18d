package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// A LockManager arbitrates access to catalog objects (the whole
// database, a table, or a row) on behalf of the sessions holding open
// transactions, so two transactions never observe or mutate the same
// object under conflicting modes at once.
type LockManager struct {
	mu sync.Mutex

	objects map[Object]*LockHeader
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	var lm LockManager
	lm.objects = make(map[Object]*LockHeader)
	return &lm
}

// HasLock reports whether txid currently holds obj in exactly mode.
func (lm *LockManager) HasLock(txid uint64, obj *Object, mode LockMode) bool {
	lm.mu.Lock()
	head, ok := lm.objects[*obj]
	if !ok {
		lm.mu.Unlock()
		return false
	}
	// A lock exists for this object.
	// Lock the queue header and unlock the map.
	head.mu.Lock()
	lm.mu.Unlock()

	for req := head.Queue; req != nil; req = req.Next {
		if req.Txid == txid {
			head.mu.Unlock()
			return req.Mode == mode
		}
	}

	head.mu.Unlock()
	return false
}

// Lock acquires obj in mode on behalf of txid, blocking until the
// request is granted, ctx is done, or the request is upgraded in place
// for a transaction that already holds a weaker mode on the same
// object. A canceled ctx unwinds a newly queued request via Unlock
// before returning; a canceled upgrade of a lock txid already holds
// leaves that hold in the queue, marked converting, for the caller's
// own Unlock to release.
func (lm *LockManager) Lock(ctx context.Context, txid uint64, obj *Object, mode LockMode) (bool, error) {
	lm.mu.Lock()
	head, ok := lm.objects[*obj]
	if !ok {
		// No lock exists for this object.
		head = &LockHeader{
			Object:    obj,
			GroupMode: mode,
			Queue: &LockRequest{
				Status: LockGranted,
				Mode:   mode,
				Count:  1,
				Txid:   txid,
			},
		}
		head.Queue.Head = head
		lm.objects[*obj] = head
		lm.mu.Unlock()
		return true, nil
	}

	// A lock exists for this object.
	// Lock the queue header and unlock the map.
	head.mu.Lock()
	lm.mu.Unlock()

	// check if a lock request is already in the queue for this couple txid / obj
	var req, last *LockRequest
	for req = head.Queue; req != nil; req = req.Next {
		if req.Txid == txid {
			// A lock request is already in the queue for this transaction.
			break
		}
		last = req
	}

	if req == nil {
		// No lock request is already in the queue for this couple txid / obj.
		// Create a new request.
		req = &LockRequest{
			Head:  head,
			Mode:  mode,
			Count: 1,
			Txid:  txid,
		}

		// Add the request to the queue.
		if last != nil {
			last.Next = req
		} else {
			head.Queue = req
		}

		// Check if the lock is compatible with the current mode and if there
		// are no other requests in the queue.
		if !head.Waiting && head.GroupMode.IsCompatibleWith(mode) {
			// No need to wait for a lock: update the group mode and return
			// immediately.
			head.GroupMode = MaxMode(mode, head.GroupMode)
			req.Status = LockGranted
			head.mu.Unlock()
			return true, nil
		}

		// Wait for the lock.
		head.Waiting = true
		req.Status = LockWaiting
		req.WakeUp = make(chan struct{})
		head.mu.Unlock()

		select {
		case <-ctx.Done():
			lm.Unlock(txid, obj)
			return false, errors.Wrap(ctx.Err(), "lock timeout")
		case <-req.WakeUp:
			return true, nil
		}
	}

	// A lock request is already in the queue for this couple txid / obj.
	// Check if the lock is compatible with all locks of the granted group.
	compatible := true
	for other := head.Queue; other != nil && other.Status == LockGranted; other = other.Next {
		if other != req && !other.Mode.IsCompatibleWith(mode) {
			compatible = false
		}
	}
	if !compatible {
		// Wait for the lock.
		head.Waiting = true
		req.Status = LockConverting
		req.ConvertMode = mode
		req.WakeUp = make(chan struct{})
		head.mu.Unlock()

		select {
		case <-ctx.Done():
			// if the context gets canceled, the transaction will rollback,
			// and call unlock on all objects that were locked by this transaction
			return false, errors.Wrap(ctx.Err(), "lock timeout")
		case <-req.WakeUp:
			return true, nil
		}
	}

	// The lock is compatible with all locks of the granted group.
	// Update the counter, the group mode and return.
	req.Count++
	req.Mode = mode
	head.GroupMode = MaxMode(mode, head.GroupMode)
	head.mu.Unlock()
	return true, nil
}

// Unlock releases one hold txid has on obj and always reports true,
// including for a txid/obj pair that was never locked to begin with
// (a harmless no-op, since rollback unwinds every lock a session took
// regardless of how far it got).
func (lm *LockManager) Unlock(txid uint64, obj *Object) bool {
	lm.mu.Lock()
	head, ok := lm.objects[*obj]
	if !ok {
		lm.mu.Unlock()
		return true
	}
	head.mu.Lock()

	// get the lock owned by this transaction
	var req, prev *LockRequest
	for req = head.Queue; req != nil; req = req.Next {
		if req.Txid == txid {
			break
		}
		prev = req
	}
	// if there is no lock owned by this transaction on the given object, return
	if req == nil {
		head.mu.Unlock()
		lm.mu.Unlock()
		return true
	}

	// if this request is held multiple times by the same transaction,
	// decrement the count and return
	if req.Count > 1 {
		req.Count--
		head.mu.Unlock()
		lm.mu.Unlock()
		return true
	}

	// if this is the only request in the queue, remove the request
	// and the queue header.
	if head.Queue == req && req.Next == nil {
		head.mu.Unlock()
		delete(lm.objects, *obj)
		lm.mu.Unlock()
		return true
	}

	// remove the request from the queue
	if prev != nil {
		prev.Next = req.Next
	} else {
		head.Queue = req.Next
	}

	head.Waiting = false
	head.GroupMode = Free
	wakeCompatibleWaiters(head)

	head.mu.Unlock()
	lm.mu.Unlock()

	return true
}

// wakeCompatibleWaiters walks head's queue after a release, recomputing
// GroupMode from the requests still granted and waking every converting
// or waiting request that has become compatible with the new group, in
// queue order. It stops at the first request that still conflicts,
// since everything behind it in the queue was ordered to wait for that
// one anyway. Callers must hold head.mu.
func wakeCompatibleWaiters(head *LockHeader) {
	for req := head.Queue; req != nil; req = req.Next {
		// refresh the group mode with granted requests
		if req.Status == LockGranted {
			head.GroupMode = MaxMode(req.Mode, head.GroupMode)
			continue
		}

		// deal with converting requests before waiting requests
		if req.Status == LockConverting {
			// if a lock is converting, only wake up the request if the
			// new mode is compatible with every other member of the group.
			compatible := true
			for other := head.Queue; other != nil && other.Status == LockGranted; other = other.Next {
				if other == req {
					continue
				}

				if !other.Mode.IsCompatibleWith(req.ConvertMode) {
					compatible = false
					break
				}
			}
			if compatible {
				req.Status = LockGranted
				req.Count++
				req.Mode = req.ConvertMode
				head.GroupMode = MaxMode(req.Mode, head.GroupMode)
				close(req.WakeUp)
			} else {
				// stop here
				head.Waiting = true
				return
			}

			continue
		}

		// deal with waiting requests
		if req.Status == LockWaiting {
			// if the lock is compatible with the current mode, grant it
			if head.GroupMode.IsCompatibleWith(req.Mode) {
				req.Status = LockGranted
				head.GroupMode = MaxMode(req.Mode, head.GroupMode)
				close(req.WakeUp)
			} else {
				// stop here
				head.Waiting = true
				return
			}

			continue
		}
	}
}
