// Package epoch implements epoch based protection for structures that are
// shared by many goroutines without a global lock.
//
// Every goroutine (or session) that touches shared state owns a slot in the
// epoch table. While protected, the slot holds the global epoch the owner
// observed when it entered or last refreshed. A slot value of 0 means the
// owner is not protected and does not hold anything back.
//
// BumpEpoch advances the global epoch and queues an action. The action runs
// once every owner that was protected at the old epoch has refreshed or
// exited, which makes it a quiescence barrier:
//
//   - the hybrid log uses it to flush pages only after all in-place writers
//     left them, and to drop evicted pages only after all readers left them
//   - the checkpoint coordinator uses it to know that every running operation
//     has observed a new phase
//
// Usage:
//
//	g, err := mgr.Enter()
//	if err != nil {
//		return err
//	}
//	defer g.Exit()
//
// Long lived owners (thread affinitized sessions) must call Refresh
// periodically. An owner that stays protected without refreshing stalls
// every queued action, which is a liveness obligation of the caller.
package epoch
