package inference

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"icvmapper/internal/models"
)

// Ensemble runs repeated dropout samples of a Predictor and averages them.
type Ensemble struct {
	// Workers bounds concurrent samples; values below one mean one
	Workers int

	// Seed is the base seed; sample i uses Seed+i
	Seed int64

	Log log.FieldLogger
}

// Result is the merged output of an ensemble run.
type Result struct {
	Mean    *models.Volume
	Samples int
}

// Run draws n samples and returns their voxel-wise mean. Any failed sample
// fails the whole run; no partial mean is produced.
func (e *Ensemble) Run(ctx context.Context, p Predictor, t *models.Tensor, n int) (*Result, error) {
	if n < 1 {
		return nil, fmt.Errorf("ensemble size must be >= 1, got %d", n)
	}
	logger := e.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	samples := make([]*models.Volume, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			vol, err := p.Predict(gctx, t, e.Seed+int64(i))
			if err != nil {
				return fmt.Errorf("%w: sample %d: %w", models.ErrEnsembleSample, i, err)
			}
			if vol.Dims != t.Dims {
				return fmt.Errorf("%w: sample %d: grid %v, want %v", models.ErrEnsembleSample, i, vol.Dims, t.Dims)
			}
			samples[i] = vol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	avg, err := Mean(samples)
	if err != nil {
		return nil, err
	}
	mean, err := models.NewVolume(avg.Data, t.Dims, t.Affine)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"samples": n, "workers": workers}).Debug("Ensemble complete")
	return &Result{Mean: mean, Samples: n}, nil
}

// Mean returns the voxel-wise mean of samples on the first sample's grid.
// Each voxel's values are summed in sorted order, so the result is
// bit-identical for any ordering of samples.
func Mean(samples []*models.Volume) (*models.Volume, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("mean of zero samples")
	}
	first := samples[0]
	for i, s := range samples[1:] {
		if s.Dims != first.Dims {
			return nil, fmt.Errorf("%w: sample %d grid %v, want %v", models.ErrGeometryMismatch, i+1, s.Dims, first.Dims)
		}
	}

	out := make([]float64, len(first.Data))
	k := float64(len(samples))
	chunks := runtime.GOMAXPROCS(0)
	size := (len(out) + chunks - 1) / chunks

	var g errgroup.Group
	for lo := 0; lo < len(out); lo += size {
		lo, hi := lo, min(lo+size, len(out))
		g.Go(func() error {
			buf := make([]float64, len(samples))
			for v := lo; v < hi; v++ {
				for i, s := range samples {
					buf[i] = s.Data[v]
				}
				sort.Float64s(buf)
				out[v] = floats.Sum(buf) / k
			}
			return nil
		})
	}
	_ = g.Wait()
	return first.WithData(out), nil
}
