package phase

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"hike-coordinator/internal/models"
)

// PhaseEntered is published after a transition commits.
type PhaseEntered struct {
	HikeID int64
	Phase  models.Phase
	At     time.Time
}

type EventPublisher interface {
	Publish(ctx context.Context, e PhaseEntered) error
}

// Publishers fans an event out to every publisher and joins their errors.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, e PhaseEntered) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RandomSource picks one of the candidates. Callers never pass an empty slice.
type RandomSource interface {
	Choice(candidates []int64) int64
}

// UniformRandom picks uniformly at random.
type UniformRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewUniformRandom() *UniformRandom {
	return &UniformRandom{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (u *UniformRandom) Choice(candidates []int64) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return candidates[u.rng.IntN(len(candidates))]
}

// FirstChoice always picks the first candidate.
type FirstChoice struct{}

func (FirstChoice) Choice(candidates []int64) int64 { return candidates[0] }
