// Package core provides the builtin action and service implementations
// bound by the core plugin's API descriptor. Importing the package (for
// side effects) makes the core/<name> entry points resolvable.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/aurafw/aura/pkg/engine"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/types"
)

func init() {
	plugin.RegisterActionImpl("core/log", logAction)
	plugin.RegisterActionImpl("core/echo", echoAction)
	plugin.RegisterActionImpl("core/sleep", sleepAction)
	plugin.RegisterActionImpl("core/set", setAction)
	plugin.RegisterActionImpl("core/fail", failAction)
	plugin.RegisterActionImpl("core/stop", stopAction)
	plugin.RegisterActionImpl("core/now", nowAction)
	plugin.RegisterServiceImpl("core/clock", newClock)
}

// Clock is the builtin time service
type Clock struct{}

func newClock(deps map[string]any) (any, error) {
	return &Clock{}, nil
}

// Now returns the current wall-clock time
func (c *Clock) Now() time.Time { return time.Now() }

func logAction(ctx context.Context, params, services map[string]any) (any, error) {
	message := fmt.Sprintf("%v", params["message"])
	level := fmt.Sprintf("%v", params["level"])
	logger := log.WithComponent("action.core.log")
	switch level {
	case "DEBUG":
		logger.Debug().Msg(message)
	case "WARN":
		logger.Warn().Msg(message)
	case "ERROR":
		logger.Error().Msg(message)
	default:
		logger.Info().Msg(message)
	}
	return message, nil
}

func echoAction(ctx context.Context, params, services map[string]any) (any, error) {
	return params["value"], nil
}

func sleepAction(ctx context.Context, params, services map[string]any) (any, error) {
	seconds, ok := asSeconds(params["seconds"])
	if !ok {
		return nil, fmt.Errorf("sleep requires a numeric seconds param")
	}
	if rs, ok := engine.ScopeFromContext(ctx); ok && seconds >= 1 {
		rs.Heartbeat()
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return seconds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func setAction(ctx context.Context, params, services map[string]any) (any, error) {
	key, ok := params["key"].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("set requires a string key param")
	}
	rs, ok := engine.ScopeFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("set invoked outside a run scope")
	}
	rs.Context.SetCell(key, params["value"])
	return params["value"], nil
}

func failAction(ctx context.Context, params, services map[string]any) (any, error) {
	message := "deliberate failure"
	if m, ok := params["message"].(string); ok && m != "" {
		message = m
	}
	return nil, fmt.Errorf("%s", message)
}

func stopAction(ctx context.Context, params, services map[string]any) (any, error) {
	status := types.ResultSuccess
	if s, ok := params["status"].(string); ok && s != "" {
		status = types.ResultStatus(s)
	}
	return nil, &types.StopTask{Status: status}
}

func nowAction(ctx context.Context, params, services map[string]any) (any, error) {
	clock, ok := services["clock"].(*Clock)
	if !ok {
		return nil, fmt.Errorf("clock service not injected")
	}
	return clock.Now().Format(time.RFC3339Nano), nil
}

func asSeconds(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(tv, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
