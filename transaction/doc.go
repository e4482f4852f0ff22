/*
Package transaction layers multi-item transactions on top of a store which
only offers single item conditional writes.

Each item taking part in a transaction is driven by its own Participant. The
caller (an orchestrator, such as the dyntx command) makes one Participant per
item through a Registry, and then moves every one of them through the same
protocol:

	Lock      mark the item as owned by the transaction, saving an image
	          of the item as it was so it can be restored later
	Apply     make the requested change (put, update, or delete)
	Unlock    commit: remove the transaction markers, or do the delete
	Rollback  abort: restore the saved image, or remove an item which
	          did not exist before

Ownership of an item is recorded in the item itself, in the _tx_id,
_tx_locked_at, _tx_is_transient and _tx_is_applied attributes. There is no
in-process locking; every write goes through an optlock.Lock and so is
conditioned on the item's version, and the store decides which of two racing
writers wins. Images are kept in their own table, keyed by the transaction id
and the participant's image id.

The order in which participants are locked, what to do about items left
locked by a crashed orchestrator, and retrying after contention are all left
to the caller.
*/
package transaction
