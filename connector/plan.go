package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidPlan = errors.New("invalid plan")
	ErrCycle       = errors.New("cycle detected")
)

// PlanError is a plan that failed validation.
type PlanError struct {
	Kind error
	Msg  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Kind }

type StepID string

// Step is one node of a Plan. Run is started once every step named in
// DependsOn has finished without error.
type Step struct {
	ID        StepID
	DependsOn []StepID
	Run       func(ctx context.Context) error
}

// Plan runs steps as a dependency graph. Independent steps run concurrently.
type Plan struct {
	steps []Step
	index map[StepID]int

	// OnStepDone, when set, is called after each step returns.
	OnStepDone func(id StepID, elapsed time.Duration, err error)
}

// NewPlan validates steps: IDs must be unique, dependencies must name steps
// of the plan and the graph must be acyclic.
func NewPlan(steps ...Step) (*Plan, error) {
	index := make(map[StepID]int, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return nil, &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf("step %d has no id", i)}
		}
		if s.Run == nil {
			return nil, &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf("step %s has no run function", s.ID)}
		}
		if _, dup := index[s.ID]; dup {
			return nil, &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf("duplicate step %s", s.ID)}
		}
		index[s.ID] = i
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep)}
			}
		}
	}
	p := &Plan{steps: steps, index: index}
	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkAcyclic runs Kahn's algorithm and reports the steps left over.
func (p *Plan) checkAcyclic() error {
	indegree := make([]int, len(p.steps))
	dependents := make([][]int, len(p.steps))
	for i, s := range p.steps {
		for _, dep := range s.DependsOn {
			j := p.index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	queue := make([]int, 0, len(p.steps))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if visited == len(p.steps) {
		return nil
	}
	var stuck []string
	for i, d := range indegree {
		if d > 0 {
			stuck = append(stuck, string(p.steps[i].ID))
		}
	}
	return &PlanError{Kind: ErrCycle, Msg: strings.Join(stuck, ", ")}
}

type stepState int

const (
	stepPending stepState = iota
	stepRunning
	stepDone
	stepFailed
)

type stepResult struct {
	i       int
	elapsed time.Duration
	err     error
}

// Execute runs the plan. Ready steps start in plan order. After the first
// failure no further step is started; steps already running are waited for
// and every failure is returned, joined.
func (p *Plan) Execute(ctx context.Context) error {
	state := make([]stepState, len(p.steps))
	results := make(chan stepResult)
	running := 0
	var errs []error

	ready := func(i int) bool {
		if state[i] != stepPending {
			return false
		}
		for _, dep := range p.steps[i].DependsOn {
			if state[p.index[dep]] != stepDone {
				return false
			}
		}
		return true
	}

	for {
		if len(errs) == 0 {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			for i := range p.steps {
				if !ready(i) {
					continue
				}
				state[i] = stepRunning
				running++
				go func(i int) {
					start := time.Now()
					err := p.steps[i].Run(ctx)
					results <- stepResult{i: i, elapsed: time.Since(start), err: err}
				}(i)
			}
		}
		if running == 0 {
			break
		}

		r := <-results
		running--
		id := p.steps[r.i].ID
		if p.OnStepDone != nil {
			p.OnStepDone(id, r.elapsed, r.err)
		}
		if r.err != nil {
			state[r.i] = stepFailed
			errs = append(errs, fmt.Errorf("step %s: %w", id, r.err))
			continue
		}
		state[r.i] = stepDone
	}
	return errors.Join(errs...)
}
