package service

// Package service supervises the session runners of one pulse process.
//
// Overview
// An Orchestrator owns the runners of one run. StartAll validates the
// configuration, creates a session.Runner per enabled job and starts all of
// them without waiting. StopAll stops them all and waits at most the grace
// period, runners which are still closing after that are abandoned and
// reported by their learning id.
//
// A Supervisor owns the event loop around orchestrators:
//   - manual mode runs one Orchestrator and returns once all its jobs are done
//   - timer mode starts a fresh Orchestrator on every gocron tick, a tick is
//     skipped while the previous run is still active
//
// Data flow:
//
//   Supervisor              Orchestrator              Runner{learningId}
//       |                        |                          |
//   tick -> startRun ----------->| StartAll() ------------->| Start()
//       |                        |                          | dial, handshake, heartbeat
//       |                        |<-------- Done() ---------| (auto stop, silence, error)
//       |<------ Done() ---------|                          |
//   Stop/ctx -> StopAll -------->| Stop() ----------------->| Stop()
//       |                        | wait grace               |
//
// Invariants:
//   - Runners never share mutable state, one failing job does not touch others.
//   - StopAll is idempotent, concurrent callers share one result.
//   - Do returns only after the current run has been stopped.
//
// internal/service/supervisor_test.go shows how the Supervisor is meant to be used.
