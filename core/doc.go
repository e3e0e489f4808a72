// Package core defines the domain model shared by every hostguard package.
//
// # Architecture Overview
//
// The core package provides:
//   - Telemetry types (Event and its per-kind payloads)
//   - Detection types (DetectionRule, Condition, Predicate, Pattern)
//   - Process tree snapshots (ProcessSnapshot, ProcessKey)
//   - Correlation descriptors and the Candidate/Alert pair
//   - Sentinel errors for malformed events and invalid rules
//
// Types here carry validation but no pipeline state. The process table,
// correlation windows and suppression live in package detect.
//
// # Alert Identity
//
// Alert IDs are derived from the rule, the process and the triggering
// event, so replaying the same telemetry yields the same IDs.
package core
