// Package deploy 实现编号部署步骤的注册、依赖排序与执行，并提供部署合约、
// 复用部署记录、初始化代理等辅助函数。
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
)

// Step is one numbered deployment script.
type Step struct {
	ID           string
	Tags         []string
	Dependencies []string
	// ForceDeploy re-runs the step even when it was recorded as executed.
	ForceDeploy func(net network.Network) bool
	Skip        func(net network.Network) bool
	// Run performs the deployer actions and returns the governance proposal, which may be empty.
	Run func(ctx context.Context, env *Env) (*governance.Proposal, error)
}

func (s Step) forced(net network.Network) bool {
	return s.ForceDeploy != nil && s.ForceDeploy(net)
}

func (s Step) skipped(net network.Network) bool {
	return s.Skip != nil && s.Skip(net)
}

// HasTag reports whether the step carries any of tags.
func (s Step) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, have := range s.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Always and Never are the constant force/skip predicates.
func Always(network.Network) bool { return true }
func Never(network.Network) bool  { return false }

// SkipError 表示步骤因前置条件不满足而跳过，不记为已执行，也不中断执行。
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "step skipped: " + e.Reason }

// Skipf builds a SkipError.
func Skipf(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsSkip reports whether err asks the runner to skip the step.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// Registry 保存按 ID 注册的部署步骤。
type Registry struct {
	steps map[string]Step
}

// NewRegistry registers steps. Duplicate IDs are rejected.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a step.
func (r *Registry) Register(s Step) error {
	if strings.TrimSpace(s.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署步骤缺少 ID")
	}
	if s.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("部署步骤 %s 缺少执行函数", s.ID))
	}
	if _, ok := r.steps[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("部署步骤 %s 重复注册", s.ID))
	}
	r.steps[s.ID] = s
	return nil
}

// Get returns the step with id.
func (r *Registry) Get(id string) (Step, bool) {
	s, ok := r.steps[id]
	return s, ok
}

// Steps returns every step ordered by ID.
func (r *Registry) Steps() []Step {
	out := make([]Step, 0, len(r.steps))
	for _, s := range r.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Plan 选出带有任一标签的步骤（未给标签时选全部），补齐依赖后按拓扑序排列，
// 同层按 ID 排序。未知依赖返回 NOT_FOUND，循环依赖返回 INVALID_ARGUMENT。
func (r *Registry) Plan(tags []string) ([]Step, error) {
	selected := make(map[string]bool)
	var visit func(id, from string) error
	visit = func(id, from string) error {
		if selected[id] {
			return nil
		}
		s, ok := r.steps[id]
		if !ok {
			return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("步骤 %s 依赖的 %s 不存在", from, id),
				xerrors.WithMetadata("step", from), xerrors.WithMetadata("dependency", id))
		}
		selected[id] = true
		for _, dep := range s.Dependencies {
			if err := visit(dep, id); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range r.Steps() {
		if len(tags) == 0 || s.HasTag(tags...) {
			if err := visit(s.ID, s.ID); err != nil {
				return nil, err
			}
		}
	}

	indegree := make(map[string]int, len(selected))
	dependents := make(map[string][]string, len(selected))
	for id := range selected {
		indegree[id] += 0
		for _, dep := range r.steps[id].Dependencies {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	plan := make([]Step, 0, len(selected))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		plan = append(plan, r.steps[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(plan) != len(selected) {
		var cyclic []string
		for id, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("部署步骤存在循环依赖: %s", strings.Join(cyclic, ", ")))
	}
	return plan, nil
}
