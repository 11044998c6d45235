// Package resilience provides the timeout hierarchy, circuit breakers,
// retries, graceful degradation and alert routing used by the agentctx core.
//
// # Timeout Hierarchy
//
// Every operation belongs to one of five tiers, T1 (cache lookup) through T5
// (analysis). Each tier has a duration and a fallback kind. Execute enforces
// the tier deadline, or the caller's deadline when that is tighter, and hands
// back the caller's fallback value with a non-fatal TimeoutExceeded error
// when time runs out.
//
//	policy, _ := resilience.NewTimeoutPolicy(resilience.TimeoutPolicyConfig{})
//	layer, err := resilience.Execute(ctx, policy, resilience.LevelLayerLoad, loadLayer, partialLayer)
//	if resilience.IsTimeoutExceeded(err) {
//		// layer holds partialLayer
//	}
//
// # Circuit Breaker
//
// Breakers count consecutive failures. Callers ask CanExecute and report
// RecordSuccess or RecordFailure; Execute and Call wrap that protocol. A
// BreakerRegistry keeps one breaker per dependency and fans transitions out
// to listeners.
//
//	registry := resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig(""))
//	err := registry.Get("memory_backend").Execute(ctx, func(ctx context.Context) error {
//		return backend.Ping(ctx)
//	})
//
// # Graceful Degradation
//
// The DegradationController moves between levels L0..L4. Each level disables
// a superset of the features of the level below. Open breakers of registered
// dependencies escalate the level at once; recovery steps down one level per
// healthy check cycle.
//
//	dc := resilience.NewDegradationController(resilience.DegradationConfig{})
//	dc.RegisterDependency("memory_backend", resilience.LevelSevere)
//	if err := dc.RequireFeature("analysis"); err != nil {
//		return err
//	}
//
// # Retry and Guard
//
// Retrier retries with exponential backoff and jitter. Guard stacks retrier,
// breaker and timeout tier for one dependency.
//
// # Alerting
//
// AlertManager delivers alerts to handlers with a token bucket per source.
package resilience
