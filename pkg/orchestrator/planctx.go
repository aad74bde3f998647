package orchestrator

import "context"

type planKey struct{}

// WithCurrentPlan returns a context scoped to the named plan. The
// orchestrator sets this on entry to every task execution; because the
// value rides the context, it is restored on every exit path without
// explicit cleanup, and concurrent executions of different plans never
// observe each other's value.
func WithCurrentPlan(ctx context.Context, plan string) context.Context {
	return context.WithValue(ctx, planKey{}, plan)
}

// CurrentPlan reports the plan the surrounding execution belongs to
func CurrentPlan(ctx context.Context) (string, bool) {
	plan, ok := ctx.Value(planKey{}).(string)
	return plan, ok
}
