// Package storage persists the small amount of state pewcast keeps between
// processes:
//   - the delivery ledger of the most recent broadcast (one generation only)
//   - per-target block flags
//   - an append-only audit log of broadcasts and recalls
//
// Drivers: "file" (JSON files, no dependencies), "sqlite" and "redis".
package storage
