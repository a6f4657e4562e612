package cron

import (
	"context"
	"log/slog"
)

// LoggingNotifier is the only Notifier Checkpoint ships: it logs the
// rendered payload instead of delivering it anywhere, for local runs and
// tests (spec.md §1 keeps Slack/HTTP transports out of scope).
type LoggingNotifier struct {
	Logger *slog.Logger
}

func (n LoggingNotifier) Notify(ctx context.Context, policyName, title, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("policy", policyName),
		slog.String("title", title),
		slog.String("body", body))
	return nil
}
