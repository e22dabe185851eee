package challenge

import (
	"context"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/pkg/solver"
)

// ServiceSolver solves challenges through the solving service.
type ServiceSolver struct {
	client solver.Client
}

// NewServiceSolver wraps client as a Solver.
func NewServiceSolver(client solver.Client) *ServiceSolver {
	return &ServiceSolver{client: client}
}

// Solve submits ch to the service.
func (s *ServiceSolver) Solve(ctx context.Context, ch model.Challenge) (model.Solution, error) {
	resp, err := s.client.Solve(ctx, solver.SolveRequest{
		ChallengeID: ch.ID,
		Type:        string(ch.Type),
		SiteKey:     ch.SiteKey,
		PageURL:     ch.PageURL,
		PayloadRef:  ch.PayloadRef,
	})
	if err != nil {
		return model.Solution{}, err
	}
	return model.Solution{
		Value:      resp.Solution,
		Confidence: resp.Confidence,
		SolveTime:  resp.SolveTime(),
	}, nil
}
