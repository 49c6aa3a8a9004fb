// Package core provides the import and export engines.
//
// The package holds the domain logic independent of any transport. The CLI
// and tests drive it through [Service]; the engines can also be used
// directly.
//
// # Import
//
// A payload (CSV or XML, parsed by package format) is a sequence of record
// nodes split into groups. For every node the [Importer]:
//
//  1. converts each field through the coercion table ([Coercer]),
//     resolving relations by primary key, external key or session alias
//  2. looks the record up ([Importer.FindEntry]) and applies the
//     if_exist / if_does_not_exist policies
//  3. inserts or updates, then binds the node's external key in the
//     mapping registry
//
// Errors are collected per node. Under on_error=raise the first one aborts
// the run with an [*ImportError]; groups committed before stay committed.
//
// # Export
//
// An [Exporter] renders records as a header and rows of text. Columns are
// field paths of at most one relation hop. Columns in external_id mode emit
// the related record's external key, minting "<model>_<n>" keys as needed.
// Export is fail-fast: one bad descriptor or row aborts it.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each category has a code range for support reference:
//
//   - MAP001-MAP003: mapping errors (conflicts, keys, references)
//   - IMP001-IMP006: import errors (policies, values, payloads)
//   - EXP001-EXP002: export errors (unknown fields and models)
//   - STO001-STO004: storage errors (duplicates, connections)
package core
