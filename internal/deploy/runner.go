package deploy

import (
	"context"
	"fmt"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/storage"
	"VaultOps/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Step statuses reported by the runner.
const (
	StatusExecuted        = "executed"
	StatusAlreadyExecuted = "already_executed"
	StatusSkipped         = "skipped"
	StatusFailed          = "failed"
)

// Verifier submits freshly deployed contracts to a block explorer.
type Verifier interface {
	Verify(ctx context.Context, deployments []storage.Deployment)
}

// Observer receives per-step outcomes, typically a metrics recorder.
type Observer interface {
	ObserveStep(stepID, status string, duration time.Duration)
}

// StepReport summarises one planned step.
type StepReport struct {
	ID       string              `json:"id"`
	Status   string              `json:"status"`
	Reason   string              `json:"reason,omitempty"`
	Outcome  *governance.Outcome `json:"outcome,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Runner 依次执行计划中的部署步骤，并把每个步骤的提案交给治理执行器。
type Runner struct {
	Registry *Registry
	Env      *Env
	Executor *governance.Executor
	Verifier Verifier
	Observer Observer

	tracer trace.Tracer
}

// NewRunner wires a runner.
func NewRunner(reg *Registry, env *Env, exec *governance.Executor) *Runner {
	return &Runner{
		Registry: reg,
		Env:      env,
		Executor: exec,
		tracer:   otel.Tracer("VaultOps/internal/deploy"),
	}
}

// Run 按标签规划并执行步骤。遇到第一个错误即停止，返回已完成步骤的报告与该错误。
func (r *Runner) Run(ctx context.Context, tags []string) ([]StepReport, error) {
	if r.Registry == nil || r.Env == nil || r.Executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署执行器未完整初始化")
	}
	if err := r.Env.validate(); err != nil {
		return nil, err
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("VaultOps/internal/deploy")
	}

	plan, err := r.Registry.Plan(tags)
	if err != nil {
		return nil, err
	}
	net := r.Env.Network
	executed, err := r.Env.Deployments.Repo.ExecutedSteps(ctx, net.Name)
	if err != nil {
		return nil, err
	}

	log := logger.Named("deploy").With("network", net.Name)
	log.Info("开始执行部署", "steps", len(plan), "tags", tags, "mode", string(r.Executor.Mode))

	reports := make([]StepReport, 0, len(plan))
	for _, step := range plan {
		report, err := r.runStep(ctx, step, executed)
		reports = append(reports, report)
		if r.Observer != nil {
			r.Observer.ObserveStep(step.ID, report.Status, report.Duration)
		}
		if err != nil {
			log.Error("部署步骤失败", "step", step.ID, "code", xerrors.CodeOf(err), "error", err)
			return reports, err
		}
	}

	if r.Verifier != nil && net.IsVerificationRequired() {
		if fresh := r.Env.NewDeployments(); len(fresh) > 0 {
			r.Verifier.Verify(ctx, fresh)
		}
	}
	log.Info("部署完成", "steps", len(reports))
	return reports, nil
}

func (r *Runner) runStep(ctx context.Context, step Step, executed map[string]time.Time) (report StepReport, err error) {
	net := r.Env.Network
	report = StepReport{ID: step.ID}
	log := logger.Named("deploy").With("network", net.Name, "step", step.ID)

	if step.skipped(net) {
		report.Status = StatusSkipped
		report.Reason = "skip"
		log.Info("按网络条件跳过步骤")
		return report, nil
	}
	forced := r.Env.Force || step.forced(net)
	if at, ok := executed[step.ID]; ok && !forced {
		report.Status = StatusAlreadyExecuted
		log.Info("步骤已执行, 跳过", "executed_at", at.Format(time.RFC3339))
		return report, nil
	}

	ctx, span := r.tracer.Start(ctx, "deploy.step "+step.ID, trace.WithAttributes(
		attribute.String("deploy.step", step.ID),
		attribute.String("deploy.network", net.Name),
		attribute.Bool("deploy.forced", forced),
	))
	started := time.Now()
	defer func() {
		report.Duration = time.Since(started)
		if err != nil {
			report.Status = StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("deploy.status", report.Status))
		span.End()
	}()

	leave := r.Env.enter(step.ID)
	defer leave()

	log.Info("执行部署步骤", "forced", forced)
	proposal, err := step.Run(ctx, r.Env)
	if IsSkip(err) {
		report.Status = StatusSkipped
		report.Reason = err.Error()
		log.Warn("步骤前置条件不满足, 跳过", "reason", err.Error())
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("步骤 %s: %w", step.ID, err)
	}

	if !proposal.IsEmpty() {
		outcome, err := r.Executor.Execute(ctx, proposal)
		if err != nil {
			return report, fmt.Errorf("步骤 %s 的提案 %q: %w", step.ID, proposal.Name, err)
		}
		report.Outcome = &outcome
	}

	if err := r.Env.Deployments.Repo.MarkExecuted(ctx, net.Name, step.ID, r.Env.now()); err != nil {
		return report, err
	}
	report.Status = StatusExecuted
	logger.Audit().Info("部署步骤完成", "network", net.Name, "step", step.ID)
	return report, nil
}
