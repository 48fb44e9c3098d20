// Package diagnostics captures a snapshot of the host a run executes on:
// OS, CPU, memory, disk, load and GPUs. Snapshots are stored with each
// execution in the history and printed by the doctor command.
//
// Every probe is best-effort; a failing probe leaves its fields zero.
package diagnostics
