// Package core provides the report lifecycle for VSME disclosure uploads.
//
// This package holds the domain logic independent of the HTTP layer. It
// can be used by web handlers, the maintenance CLI flags, or tests without
// modification.
//
// # Lifecycle
//
// [Service.Upload] stores the document, creates a Report in the processing
// state and returns immediately. A detached run then:
//
//  1. Fetches the stored document and resolves it into an Arelle input
//  2. Runs the conversion pipeline (command variants, output search, API fallback)
//  3. Moves the report to validated or failed in one write
//  4. On success, stores the OIM JSON, records entity/period metadata,
//     corrects the reporting year when possible and bulk-inserts the facts
//  5. Upserts the register row for the report's (entity, year) pair
//
// Steps 4 and 5 are best effort: their failures are logged and never undo
// the validation outcome.
//
// # Deletion
//
// [Service.DeleteReport] recomputes the register pair, renumbers the
// owner's remaining reports and removes the stored artifacts, all as
// explicit calls made by the deleting operation.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages using [MapError].
// Each error category has a code for support reference:
//
//   - RPT001-RPT005: Report errors (duplicates, quota, not found)
//   - FILE001-FILE005: File errors (size, type, empty)
//   - REG001: Register maintenance already running
//   - DB004-DB007: Database availability errors
//   - UPL004-UPL005: Cancelled or timed out requests
package core
