package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/domain"
)

// Supervisor runs the per-session background activities: the liveness
// heartbeat and the stage-transition monitor. Both share one cancellable
// context and are joined together at teardown.
type Supervisor struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartSupervisor launches the heartbeat and stage monitor for a
// session.
func StartSupervisor(ctx context.Context, mgr *Manager, router *Router, sessionID string, org *domain.OrganizationConfig, heartbeatInterval, monitorInterval time.Duration) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{cancel: cancel}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		heartbeatLoop(ctx, mgr, sessionID, heartbeatInterval)
	}()
	go func() {
		defer s.wg.Done()
		monitorLoop(ctx, mgr, router, sessionID, org, monitorInterval)
	}()
	return s
}

// Stop cancels both activities and waits for them to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// heartbeatLoop sends advisory liveness pings. A send failure means the
// peer is gone; the loop stops quietly and leaves teardown to the
// message loop.
func heartbeatLoop(ctx context.Context, mgr *Manager, sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event := heartbeatEvent{
				Type:      "heartbeat",
				Timestamp: float64(time.Now().UnixMilli()) / 1000,
			}
			if err := mgr.Send(ctx, sessionID, event); err != nil {
				slog.Debug("Heartbeat stopped", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

// monitorLoop recomputes elapsed duration and conversation stage every
// tick. Stage transitions are detected, not forced: the new stage is
// applied only when it differs from the stored value, and entering the
// closing stage triggers the one-time unanswered-question prompt.
func monitorLoop(ctx context.Context, mgr *Manager, router *Router, sessionID string, org *domain.OrganizationConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	closingPrompted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session, ok := mgr.Snapshot(sessionID)
			if !ok {
				return
			}

			elapsed := session.Elapsed(time.Now().UTC())
			duration := elapsed.Seconds()
			patch := Patch{CallDuration: &duration}

			newStage := domain.StageForDuration(elapsed, session.PlanType, org.MaxCallDuration)
			stageChanged := newStage != session.ConversationStage
			if stageChanged {
				patch.ConversationStage = &newStage
			}
			if err := mgr.Update(ctx, sessionID, patch); err != nil {
				return
			}

			if stageChanged {
				slog.Info("Conversation stage changed",
					"session_id", sessionID,
					"stage", newStage,
					"duration", duration,
				)
				if newStage == domain.StageClosing && !closingPrompted {
					closingPrompted = true
					router.PromptPendingRequired(ctx)
				}
			}
		}
	}
}
