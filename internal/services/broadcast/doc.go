// Package broadcast distributes one message to many group targets and can
// recall the most recent distribution.
//
// Delivery is strictly sequential: targets are processed in order, one send
// at a time, with a jittered pause after every attempted send. Failures are
// isolated per target and aggregated into counts; nothing a single target
// does aborts the loop.
//
// Delivery ledger
//
// Each Distribute call starts a new generation: the previous ledger is
// cleared, and every successful send whose receipt carries a message id is
// recorded under the target's key. RecallLast deletes exactly the recorded
// messages and clears the ledger. Only the latest generation is ever kept.
// When a Store is configured the ledger is mirrored there, so a recall can run
// from another process.
//
// Callers are expected to run one broadcast at a time. Jobs submitted through
// Submit are executed by a single worker for that reason.
package broadcast
