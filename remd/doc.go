// Package remd provides the launch coordination layer for distributed
// replica-exchange (REMD) runs driven by an external simulation engine.
//
// # Reading Guide
//
// Start with these files to understand the coordination model:
//   - config.go: RunConfig and the Resolver that validates device capacity
//   - rank.go: RankContext and the pure rank → (device, role) assignment
//   - layout.go: the persisted on-disk contract shared by all ranks
//   - poll.go: PollUntil, the single wait primitive used by every barrier
//
// # Architecture
//
// The remd package defines the shared types; components live in sub-packages:
//   - remd/barrier/: readiness barrier with file-polling and fsnotify backends
//   - remd/blocks/: block artifact naming, structural validation, corruption detection
//   - remd/bootstrap/: the once-per-run data store bootstrap state machine
//   - remd/scratch/: per-rank scratch isolation and the exit-time merge
//   - remd/rotation/: the leader's cancellable checkpoint rotation timer
//   - remd/ranklog/: per-rank stdout/stderr redirection
//   - remd/engine/: hand-off to the external simulation engine process
//
// There is no shared memory between ranks. All coordination goes through the
// shared filesystem described by Layout.
package remd
