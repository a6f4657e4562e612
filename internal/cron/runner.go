// Package cron is the Cron Runner (C6): it fires each CronPolicy on its
// schedule, snapshots its configured resource slots through C2, evaluates
// its script under C1, and renders notifications from the structured
// output, following the bounded-parallelism discipline of
// audit-scanner/internal/scanner.Scanner.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	robfigcron "github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/errs"
	"github.com/devsisters/checkpoint/internal/registry"
	"github.com/devsisters/checkpoint/internal/sandbox"
)

// DefaultResourceSlotParallelism bounds how many resource slots of one
// firing are fetched concurrently, mirroring scanner.Scanner's
// parallelResourcesAudits knob.
const DefaultResourceSlotParallelism = 4

// metricsRecorder is the narrow slice of *metrics.Metrics the runner
// needs; kept local to avoid a hard dependency on the metrics package.
type metricsRecorder interface {
	RecordCronFiring(ctx context.Context, policy, result string)
}

// Runner drives every CronPolicy in a Registry against its schedule.
type Runner struct {
	registry      *registry.Registry
	host          *sandbox.Host
	reader        sandbox.KubeReader
	notifier      Notifier
	metrics       metricsRecorder
	logger        *slog.Logger
	slotsInFlight int64

	cronLib *robfigcron.Cron
	mu      sync.Mutex
	entries map[string]robfigcron.EntryID
	running map[string]*atomic.Bool
}

// NewRunner returns a Runner that schedules against reg, evaluates
// scripts through host, fetches resource slots through reader, and
// delivers notifications through notifier. metrics may be nil.
func NewRunner(reg *registry.Registry, host *sandbox.Host, reader sandbox.KubeReader, notifier Notifier, metrics metricsRecorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LoggingNotifier{Logger: logger}
	}
	return &Runner{
		registry:      reg,
		host:          host,
		reader:        reader,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger.With("component", "cron"),
		slotsInFlight: DefaultResourceSlotParallelism,
		cronLib:       robfigcron.New(),
		entries:       make(map[string]robfigcron.EntryID),
		running:       make(map[string]*atomic.Bool),
	}
}

// Start begins the underlying scheduler and performs an initial Sync.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Sync(ctx); err != nil {
		return err
	}
	r.cronLib.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight firing to return.
func (r *Runner) Stop() {
	<-r.cronLib.Stop().Done()
}

// Sync reconciles the scheduler's entries against the registry's current
// CronPolicy set: new policies are scheduled, removed ones unscheduled,
// and policies whose schedule changed are re-registered. Call it whenever
// the registry is updated out-of-band (e.g. after a registry.LoadDir).
func (r *Runner) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.registry.Snapshot()
	seen := map[string]bool{}

	for _, policy := range snapshot.CronPolicies() {
		seen[policy.Name] = true
		if id, ok := r.entries[policy.Name]; ok {
			r.cronLib.Remove(id)
		}

		name := policy.Name
		id, err := r.cronLib.AddFunc(policy.Schedule, func() { r.fire(ctx, name) })
		if err != nil {
			return fmt.Errorf("cron: scheduling %s: %w", policy.Name, err)
		}
		r.entries[policy.Name] = id
		if _, ok := r.running[policy.Name]; !ok {
			r.running[policy.Name] = &atomic.Bool{}
		}
	}

	for name, id := range r.entries {
		if !seen[name] {
			r.cronLib.Remove(id)
			delete(r.entries, name)
			delete(r.running, name)
		}
	}

	return nil
}

// fire runs one firing of the named CronPolicy, re-reading it from the
// registry so edits to its suspend flag, resources, and code are honored
// without a restart. A changed schedule takes effect only after Sync.
func (r *Runner) fire(ctx context.Context, name string) {
	snapshot := r.registry.Snapshot()
	var policy *checkpointv1.CronPolicy
	for _, p := range snapshot.CronPolicies() {
		if p.Name == name {
			policy = &p
			break
		}
	}
	if policy == nil {
		return
	}

	runUID := uuid.New()
	logger := r.logger.With(slog.String("run", runUID.String()))

	if policy.Suspend {
		logger.DebugContext(ctx, "skipping suspended policy", slog.String("policy", name))
		r.recordFiring(ctx, name, "skipped_suspended")
		return
	}

	running := r.running[name]
	if running == nil {
		running = &atomic.Bool{}
		r.running[name] = running
	}
	if !running.CompareAndSwap(false, true) {
		logger.WarnContext(ctx, "dropping overlapping firing", slog.String("policy", name))
		r.recordFiring(ctx, name, "skipped_overlap")
		return
	}
	defer running.Store(false)

	if err := r.evaluate(ctx, *policy, logger); err != nil {
		logger.ErrorContext(ctx, "cron firing failed",
			slog.String("policy", name),
			slog.String("error", err.Error()))
		r.recordFiring(ctx, name, "error")
		return
	}
	r.recordFiring(ctx, name, "ok")
}

func (r *Runner) recordFiring(ctx context.Context, policy, result string) {
	if r.metrics != nil {
		r.metrics.RecordCronFiring(ctx, policy, result)
	}
}

func (r *Runner) evaluate(ctx context.Context, policy checkpointv1.CronPolicy, logger *slog.Logger) error {
	resources, err := r.snapshotResources(ctx, policy)
	if err != nil {
		return fmt.Errorf("snapshotting resources: %w", err)
	}

	var timeout int32
	if policy.TimeoutSeconds != nil {
		timeout = *policy.TimeoutSeconds
	}

	result, err := r.host.Invoke(ctx, sandbox.Invocation{
		RuleName:       policy.Name,
		Code:           policy.Code,
		TimeoutSeconds: timeout,
		ServiceAccount: policy.ServiceAccount,
		Resources:      resources,
		Reader:         r.reader,
		Logger:         logger,
	})
	if err != nil {
		if errs.IsTimeoutError(err) {
			logger.WarnContext(ctx, "cron script timed out", slog.String("policy", policy.Name))
		}
		return err
	}

	if len(result.Output) == 0 {
		return nil
	}

	return r.notify(ctx, policy, result.Output)
}

// snapshotResources fetches every configured resource slot's .items list,
// bounding concurrency the way Scanner.ScanNamespace bounds per-resource
// audits with a weighted semaphore.
func (r *Runner) snapshotResources(ctx context.Context, policy checkpointv1.CronPolicy) ([][]any, error) {
	slots := policy.Resources
	out := make([][]any, len(slots))

	sem := semaphore.NewWeighted(r.slotsInFlight)
	var wg sync.WaitGroup
	errCh := make(chan error, len(slots))

	for i, slot := range slots {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, slot checkpointv1.ResourceSelector) {
			defer wg.Done()
			defer sem.Release(1)

			list, err := r.reader.List(ctx, policy.ServiceAccount, slot.Group, slot.Version, slot.Kind, slot.Namespace, slot.LabelSelector, slot.FieldSelector)
			if err != nil {
				errCh <- fmt.Errorf("slot %d (%s/%s %s): %w", i, slot.Group, slot.Version, slot.Kind, err)
				return
			}
			items, _ := list["items"].([]any)
			out[i] = items
		}(i, slot)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Runner) notify(ctx context.Context, policy checkpointv1.CronPolicy, output map[string]any) error {
	for _, spec := range policy.Notifications {
		title, unresolvedTitle := renderTemplate(spec.Title, policy, output)
		body, unresolvedBody := renderTemplate(spec.Body, policy, output)
		for _, field := range append(unresolvedTitle, unresolvedBody...) {
			r.logger.WarnContext(ctx, "unresolved notification placeholder",
				slog.String("policy", policy.Name),
				slog.String("notification", spec.Name),
				slog.String("field", field))
		}
		if err := r.notifier.Notify(ctx, policy.Name, title, body); err != nil {
			r.logger.ErrorContext(ctx, "notification delivery failed",
				slog.String("policy", policy.Name),
				slog.String("notification", spec.Name),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
