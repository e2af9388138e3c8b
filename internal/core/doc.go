// Package core provides the business logic of the vehicle ingestion service.
//
// It has no transport dependencies and can be driven by the HTTP layer, the
// CLI or tests alike.
//
// # Ingestion
//
// [Service.Submit] checks the size cap and the file type, takes an ingestion
// slot, creates the batch and parses the file synchronously. Unreadable files
// and files without the template headers end as a Failed batch together with
// a [FileFormatError]. Everything else is processed in the background, one row
// at a time and in file order, inside one store transaction:
//
//  1. The batch's [vehicle.Validator] classifies the row
//  2. Accepted rows are inserted; an identity value already held elsewhere
//     turns the row into a failed duplicate
//  3. Counters and the bounded error list are updated
//  4. Progress is broadcast to subscribers and mirrored to the store
//
// On commit the records enter the search index, then the search cache moves
// to a new namespace version, then the batch is finalized.
//
// # Visibility
//
// Every read goes through [access.Resolve]. Records a principal may not see
// are dropped silently; single-batch lookups report [ErrBatchNotFound].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category carries a code for support reference:
//
//   - FILE001-FILE006: file errors (size, type, structure)
//   - UPL001-UPL005: ingestion errors (busy, cancelled, timeout)
//   - VAL001-VAL005: row validation errors
//   - BAT001-BAT004: batch lifecycle errors
//   - AUTH001-AUTH002: access errors
//   - DB001-DB005: storage errors
package core
