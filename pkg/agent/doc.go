// Package agent is the LLM-backed conversation engine behind each session.
//
// Invariants:
// - One turn runs at a time per Engine; a second Process call while busy fails.
// - Every turn ends with exactly one done or error event.
// - Long commands go through the background job tools instead of blocking
//   the turn.
// - Providers are tried in profile priority order; failing profiles cool down.
//
// Usage:
//
//	factory := agent.NewFactory(agent.FactoryConfig{LLM: pool, Jobs: mgr})
//	eng, _ := factory(ctx, engine.Options{SessionID: id, Sink: sink})
//	_ = eng.Process(ctx, "run the test suite in the background")
package agent
