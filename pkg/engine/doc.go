// Package engine provides the reconciliation core of the concierge worker.
//
// # Overview
//
// The concierge keeps registry lots and the assets bound to them consistent.
// It consumes a change feed of lots and, for each lot in an actionable
// status, drives a multi-step transition across the lot and its assets:
//
//  1. Check - re-fetch the lot and make sure nobody else moved it on (LotGuard)
//  2. Verify - make sure every asset is free to be bound (AssetGuard)
//  3. Reserve - patch the assets to "verification" and bind them to the lot
//  4. Activate - patch the assets to "active"
//  5. Publish - patch the lot to "active.salable"
//
// A dissolving lot releases its assets back to "pending" and is then patched
// to "dissolved".
//
// # Compensation
//
// Steps 3 to 5 run as a Saga. Each step registers an undo action; when a step
// fails the undo actions collected so far run in reverse order, returning the
// assets to "pending". The lot patch is the pivot of the saga and is never
// compensated.
//
// # Ledger
//
// A lot whose transition could neither complete nor roll back is written to
// the Ledger together with the failed stage and the lot snapshot. When a
// newer revision of the lot arrives, the stored snapshot is replayed and the
// record is resolved on success. A redelivery of the revision already in the
// ledger is skipped.
//
// # Retries
//
// Every remote patch goes through RetryingPatcher, which retries classified
// failures with exponential backoff:
//
//	patcher := engine.NewRetryingPatcher(engine.DefaultRetryPolicy(), nil)
//	err := patcher.Apply(ctx, engine.PatchOp{...})
//
// # Errors
//
// Registry clients report failures as *ResourceError carrying an ErrorKind.
// Use IsNotFound, IsForbidden, IsRequestFailed or KindOf to classify them.
package engine
