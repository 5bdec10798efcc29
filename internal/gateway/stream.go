package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	rt "github.com/evoagent/evoagent/internal/runtime"
	"github.com/evoagent/evoagent/pkg/ws"
)

// streamTaskEvents bridges bus events for one task onto the client as
// event frames: orchestrator step progress plus the tool activity of the
// agent runs spawned for the task. Run events carry no task id except on
// start, so runs are tracked from their start event's options. The
// returned stop function tears the subscriptions down.
func (g *Gateway) streamTaskEvents(c *Client, taskID string) func() {
	if g.events == nil {
		return func() {}
	}

	var subs []eventbus.Subscription

	progressSub, err := g.events.Subscribe(
		events.BuildTaskSubject(events.TaskProgress, taskID),
		func(_ context.Context, ev *eventbus.Event) error {
			g.pushEvent(c, string(rt.EventProgress), ev.Data)
			return nil
		})
	if err != nil {
		g.logger.Warn("progress subscription failed", zap.String("task_id", taskID), zap.Error(err))
	} else {
		subs = append(subs, progressSub)
	}

	var (
		mu   sync.Mutex
		runs = make(map[string]bool)
	)
	runSub, err := g.events.Subscribe(
		events.BuildRunEventWildcardSubject(),
		func(_ context.Context, ev *eventbus.Event) error {
			runID, _ := ev.Data["run_id"].(string)
			if runID == "" {
				return nil
			}

			if ev.Type == string(rt.EventStart) {
				if opts, ok := ev.Data["data"].(map[string]any); ok && opts["task_id"] == taskID {
					mu.Lock()
					runs[runID] = true
					mu.Unlock()
				}
				return nil
			}

			mu.Lock()
			tracked := runs[runID]
			mu.Unlock()
			if !tracked {
				return nil
			}

			switch ev.Type {
			case string(rt.EventToolCall), string(rt.EventToolResult), string(rt.EventProgress):
				g.pushEvent(c, ev.Type, ev.Data)
			}
			return nil
		})
	if err != nil {
		g.logger.Warn("run event subscription failed", zap.String("task_id", taskID), zap.Error(err))
	} else {
		subs = append(subs, runSub)
	}

	return func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
}

// pushEvent sends one event frame to the client.
func (g *Gateway) pushEvent(c *Client, event string, data map[string]any) {
	frame, err := ws.NewEvent(event, data)
	if err != nil {
		g.logger.Error("failed to build event frame", zap.Error(err))
		return
	}
	if c.Send(frame) && g.metrics != nil {
		g.metrics.GatewayEventsPushed.Inc()
	}
}
