// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/store"
)

// NewSubmissionListener listens on channel for ids of newly inserted tasks.
func NewSubmissionListener(dsn, channel string) (*pq.Listener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listening on %s: %w", channel, err)
	}
	return listener, nil
}

// RunIntake feeds PENDING tasks into the admission queue until ctx is done.
// A notification submits the id it carries; a nil notification (the listener
// reconnected and may have missed some) and every tick fall back to a full poll.
// notify may be nil, leaving only the poll.
func RunIntake(ctx context.Context, st store.TaskRepository, sub Submitter, notify <-chan *pq.Notification, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		if _, err := SubmitPending(ctx, st, sub); err != nil && ctx.Err() == nil {
			logging.Log(fmt.Sprintf("Error polling pending tasks: %v", err), slog.LevelError)
		}
	}
	poll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Periodic fallback check
			poll()
		case n := <-notify:
			if n == nil || n.Extra == "" {
				poll()
				continue
			}
			logging.LogAttrs(ctx, slog.LevelInfo, "received submission notification", slog.String("task_id", n.Extra))
			err := sub.Submit(ctx, n.Extra)
			if err != nil && !errors.Is(err, model.ErrAlreadySubmitted) && !errors.Is(err, model.ErrAlreadyTerminal) {
				logging.LogAttrs(ctx, slog.LevelWarn, "failed to submit notified task",
					slog.String("task_id", n.Extra), slog.String("error", err.Error()))
			}
		}
	}
}
