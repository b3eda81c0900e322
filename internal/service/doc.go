package service

// Package service implements supervision of ffmpeg worker processes.
//
// Overview
// The Supervisor owns a registry of Jobs, one per channel, keyed by the
// channel name. Clients add a channel, then request it to start or stop. At
// most one worker per job is alive at any time.
//
// A Job owns an event loop. Requests (start, stop, shutdown) and signals
// from the monitoring goroutines (healthy, unhealthy, exited, retry due)
// are events, and only the loop writes the job state. Each write is a
// guarded read-modify-write in the store, so an event of an older spawn
// never overwrites a newer status.
//
// Data flow:
//
//   Supervisor        Job{loop}                 monitor{run}          process
//       |                 |                          |                    |
//   start ------------->  | Build + Spawn -------------------------------->|
//       |                 | status=pending           |                    |
//       |                 | Fork(2) ---------------->| health.Watch       | stdout+stderr
//       |                 |                          | logsink.Drain      |
//       |                 |<----- healthy -----------| (marker seen)      |
//       |                 | status=running           |                    |
//       |                 |                          | <-Done() ----------| exit
//       |                 |<----- exited ------------| "exit code N"      |
//       |                 | retry.Next: stopped,     |                    |
//       |                 | cool-down, relaunch      |                    |
//
// The monitor is the watchdog as well. When no progress line arrives in
// the health window it terminates the worker itself and posts unhealthy,
// which sets status error.
//
// Invariants:
//   - status running implies the recorded pid is the live worker.
//   - status stopped or error implies no recorded pid.
//   - A stop cancels a pending cool-down and the retry is dropped even if
//     its timer already fired.
//   - The retry budget lives in memory and is reset by an explicit start.
//   - A recorded pid found alive on start is adopted, not respawned. The
//     sweep polls adopted workers.
//
// internal/service/service_test.go is the best source about how to properly user
// Supervisor struct.
