// Package scheduler owns the periodic triggers for the named jobs (refresh,
// evaluate, flush). Each trigger is handed to the task engine; the scheduler
// never runs a job itself, so all jobs share the engine's worker and overlap gate.
package scheduler
