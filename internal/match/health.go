package match

import (
	"context"
	"log"
	"time"
)

// Stall detection. A running match whose tick loop has not completed a
// tick inside the limit is dead weight holding escrow; it gets voided so
// the refund path can run.
const (
	healthCheckInterval = 2 * time.Second
	tickStallLimit      = 2 * time.Second
)

// HealthMonitor watches every live match's tick age.
type HealthMonitor struct {
	mgr *Manager
}

func NewHealthMonitor(mgr *Manager) *HealthMonitor {
	return &HealthMonitor{mgr: mgr}
}

// Run polls until the context is canceled.
func (h *HealthMonitor) Run(ctx context.Context) {
	log.Println("[Health] match stall monitor started")
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Health] match stall monitor stopped")
			return
		case <-ticker.C:
			for _, mt := range h.mgr.matches() {
				if mt.Stalled(tickStallLimit) {
					log.Printf("[Health] match %s stalled for %.1fs, voiding", mt.ID, mt.TickAge().Seconds())
					mt.Abort("game_loop_stalled")
				}
			}
		}
	}
}
