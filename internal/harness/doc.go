// Package harness runs datastore build and query scenarios.
//
// A scenario copies one definition into a scratch project, then builds,
// edits, queries and streams it step by step, checking each step against
// its expect clause. Every run uses a fresh datastores directory and fixed
// build timestamps, so the same scenario always yields the same version
// hashes and the same trace.
//
// # Scenario Format
//
//	name: history
//	description: "Rebuilding links the previous version"
//	definition: definitions/echo.cue
//	config:
//	  core_plugins: { "@datastore/plugin-hero": "2.0.0" }
//	steps:
//	  - build: { timestamp: 1700000000000 }
//	    expect: { version: v1, linked: [] }
//	  - edit: { append: "// revised\n" }
//	  - build: { timestamp: 1700000060000 }
//	    expect: { version: v2, linked: [v1] }
//	  - query:
//	      version: v1
//	      sql: "SELECT city FROM capitals ORDER BY city"
//	    expect:
//	      latest: v2
//	      rows: [{ city: Lima }, { city: Paris }]
//	      microgons: 1
//
// # Version Labels
//
// Built versions are labeled v1, v2, ... in the order the scenario first
// produces them. Steps and expect clauses name versions by label, and
// traces record labels instead of hashes.
//
// # Expectations
//
//   - version, linked: the label and history of a build
//   - latest: the latest version reported by a query or stream
//   - rows: the exact output rows, compared as JSON
//   - microgons: the price charged
//   - error: the error code of the step, or a substring of its message
//
// A step without an error expectation fails when it returns an error.
//
// # Golden Snapshots
//
// RunWithGolden compares the trace with testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
