package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/pkg/schema"
)

// simulatedTypes are registered by --simulate. Their names match the
// built-in isolation limits and recovery strategies.
var simulatedTypes = []string{"search", "briefing", "task"}

// simulator drives the engine with generated steps that fail at a fixed rate.
type simulator struct {
	failureRate float64
	stepDelay   time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(failureRate float64, seed uint64, logger *slog.Logger) *simulator {
	return &simulator{
		failureRate: failureRate,
		stepDelay:   20 * time.Millisecond,
		logger:      logging.OrNop(logger),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// simulatedErrors are drawn uniformly when a step fails.
var simulatedErrors = []func() error{
	func() error {
		return schema.NewRecoverableError(schema.ErrCodeExternalAPI, "upstream returned 503").
			WithCategory(schema.CategoryExternalAPI)
	},
	func() error {
		return schema.NewRecoverableError(schema.ErrCodeTimeout, "upstream timed out")
	},
	func() error {
		return schema.NewRecoverableError(schema.ErrCodeRateLimit, "quota exceeded").
			WithCategory(schema.CategoryRateLimit)
	},
	func() error {
		return schema.NewError(schema.ErrCodeValidation, "malformed payload").
			WithCategory(schema.CategoryValidation)
	},
}

func (s *simulator) step(ctx context.Context, st *schema.WorkflowState) (*schema.WorkflowState, error) {
	timer := time.NewTimer(s.stepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if s.float() < s.failureRate {
		return nil, simulatedErrors[s.intn(len(simulatedErrors))]()
	}
	st.Visit(schema.StepEnd)
	st.Output = map[string]any{
		"success": true,
		"summary": fmt.Sprintf("%s finished", st.WorkflowType),
	}
	return st, nil
}

// Register adds the simulated workflow types to orch.
func (s *simulator) Register(orch *orchestrator.Orchestrator) error {
	for _, wfType := range simulatedTypes {
		if err := orch.Register(wfType, orchestrator.Registration{Step: s.step}); err != nil {
			return err
		}
	}
	return nil
}

// simulationSummary counts final statuses of a simulation run.
type simulationSummary struct {
	Completed int
	Failed    int
	Queued    int
}

// Run executes n workflows with at most concurrency in flight.
func (s *simulator) Run(ctx context.Context, orch *orchestrator.Orchestrator, n, concurrency int) (simulationSummary, error) {
	var (
		mu  sync.Mutex
		sum simulationSummary
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i := range n {
		wfType := simulatedTypes[i%len(simulatedTypes)]
		g.Go(func() error {
			res, err := orch.Execute(ctx, orchestrator.Request{
				WorkflowType: wfType,
				OwnerID:      fmt.Sprintf("sim-owner-%d", i%5),
				Input:        map[string]any{"n": i},
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.Status {
			case schema.WorkflowStatusCompleted:
				sum.Completed++
			default:
				sum.Failed++
				if res.RecoveryAt != nil {
					sum.Queued++
				}
			}
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("simulation finished",
		slog.Int("workflows", n),
		slog.Int("completed", sum.Completed),
		slog.Int("failed", sum.Failed),
		slog.Int("queued_for_recovery", sum.Queued))
	return sum, err
}
