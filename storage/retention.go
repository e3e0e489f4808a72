package storage

import (
	"context"
	"time"

	"hostguard/util/goroutine"

	"go.uber.org/zap"
)

// RetentionManager prunes old alerts and dead letters on an interval
type RetentionManager struct {
	alerts        *AlertStorage
	deadLetters   *DeadLetterStorage
	alertAge      time.Duration
	deadLetterAge time.Duration
	checkInterval time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time
	stopCh        chan struct{}
	done          chan struct{}
}

// NewRetentionManager creates a retention manager. A zero age keeps that
// kind of record forever.
func NewRetentionManager(alerts *AlertStorage, deadLetters *DeadLetterStorage, alertAge, deadLetterAge, interval time.Duration, logger *zap.SugaredLogger) *RetentionManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionManager{
		alerts:        alerts,
		deadLetters:   deadLetters,
		alertAge:      alertAge,
		deadLetterAge: deadLetterAge,
		checkInterval: interval,
		logger:        logger,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then on every interval
func (rm *RetentionManager) Start() {
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer close(rm.done)
	defer goroutine.Recover("retention", rm.logger)

	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	rm.Cleanup(context.Background())
	for {
		select {
		case <-ticker.C:
			rm.Cleanup(context.Background())
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the manager and waits for a running cleanup to finish
func (rm *RetentionManager) Stop() {
	close(rm.stopCh)
	<-rm.done
}

// Cleanup deletes records past their retention and returns the counts
func (rm *RetentionManager) Cleanup(ctx context.Context) (alerts, deadLetters int64) {
	now := rm.now()

	if rm.alerts != nil && rm.alertAge > 0 {
		n, err := rm.alerts.DeleteAlertsBefore(ctx, now.Add(-rm.alertAge))
		if err != nil {
			rm.logger.Errorf("Failed to prune old alerts: %v", err)
		}
		alerts = n
	}

	if rm.deadLetters != nil && rm.deadLetterAge > 0 {
		n, err := rm.deadLetters.DeleteDeadLettersBefore(ctx, now.Add(-rm.deadLetterAge))
		if err != nil {
			rm.logger.Errorf("Failed to prune old dead letters: %v", err)
		}
		deadLetters = n
	}

	if alerts+deadLetters > 0 {
		rm.logger.Infow("Retention cleanup completed", "alerts_deleted", alerts, "dead_letters_deleted", deadLetters)
	}
	return alerts, deadLetters
}
