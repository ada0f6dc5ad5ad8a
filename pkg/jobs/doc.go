// Package jobs runs detached external commands outside the turn loop.
//
// Invariants:
// - A job moves pending -> running -> exactly one terminal state.
// - Exactly one of {timeout, cancel, natural exit, shutdown} claims the terminal
//   write; the losers do nothing.
// - Every terminal transition notifies OnJobComplete listeners exactly once.
// - Store writes are best-effort; the in-memory record is authoritative while
//   a job is tracked.
//
// Usage:
//
//	mgr, _ := jobs.NewManager(jobs.Config{Store: store, DefaultTimeout: time.Minute})
//	job, _ := mgr.StartJob(ctx, jobs.StartRequest{Connector: "shell", Command: "make test"})
//	done, _ := mgr.GetJobResult(ctx, job.ID, 30*time.Second)
//	_ = done
package jobs
