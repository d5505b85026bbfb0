package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icvmapper/internal/models"
	"icvmapper/pkg/nifti"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		available  []models.Modality
		name       string
		cerebellum string
	}{
		{[]models.Modality{models.T1}, "hfb_t1only_mcdp_multi", "hfb_t1"},
		{[]models.Modality{models.T1, models.FLAIR}, "hfb_t1fl_mcdp_multi", "hfb_t1fl"},
		{[]models.Modality{models.T2, models.T1}, "hfb_t1t2_mcdp_multi", "hfb_t1t2"},
		{[]models.Modality{models.T1, models.FLAIR, models.T2}, "hfb_multi_mcdp_contrast", "hfb_t1flt2_mcdp_contrast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Select(tt.available)
			require.NoError(t, err)
			assert.Equal(t, tt.name, f.Name)
			assert.Equal(t, tt.cerebellum, f.Cerebellum)
			assert.Equal(t, models.T1, f.Modalities[0])
			assert.Len(t, f.Modalities, len(tt.available))
		})
	}

	_, err := Select([]models.Modality{models.FLAIR, models.T2})
	assert.ErrorIs(t, err, models.ErrMissingInput)
}

func TestDescriptorPaths(t *testing.T) {
	f, err := Select([]models.Modality{models.T1, models.FLAIR})
	require.NoError(t, err)

	p := f.Primary("/models")
	assert.Equal(t, "/models/hfb_t1fl_mcdp_multi_model.json", p.Architecture)
	assert.Equal(t, "/models/hfb_t1fl_mcdp_multi_model_weights.h5", p.Weights)

	c := f.CerebellumModel("/models")
	assert.Equal(t, "/models/hfb_t1fl_model.json", c.Architecture)
	assert.Equal(t, "/models/cereb_model_weights.h5", c.Weights)
}

func writeModelFiles(t *testing.T, d Descriptor) {
	t.Helper()
	for _, p := range []string{d.Architecture, d.Weights} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0644))
	}
}

func TestDescriptorVerify(t *testing.T) {
	dir := t.TempDir()
	d := families[0].Primary(dir)
	assert.ErrorIs(t, d.Verify(), models.ErrModelNotFound)

	require.NoError(t, os.WriteFile(d.Architecture, []byte("{}"), 0644))
	assert.ErrorIs(t, d.Verify(), models.ErrModelNotFound, "weights still missing")

	writeModelFiles(t, d)
	assert.NoError(t, d.Verify())
}

func testTensor(t *testing.T, dims [3]int) *models.Tensor {
	t.Helper()
	n := dims[0] * dims[1] * dims[2]
	ch := make([]float64, n)
	for i := range ch {
		ch[i] = float64(i%7) - 3
	}
	return &models.Tensor{
		Modalities: []models.Modality{models.T1},
		Channels:   [][]float64{ch},
		Dims:       dims,
		Affine:     models.Identity(),
	}
}

// noisyPredictor returns seed-dependent values in [0, 1).
type noisyPredictor struct {
	calls atomic.Int32
	fail  int64
}

func (p *noisyPredictor) Predict(ctx context.Context, t *models.Tensor, seed int64) (*models.Volume, error) {
	p.calls.Add(1)
	if p.fail >= 0 && seed == p.fail {
		return nil, errors.New("dropout failure")
	}
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, t.Dims[0]*t.Dims[1]*t.Dims[2])
	for i := range data {
		data[i] = rng.Float64()
	}
	return models.NewVolume(data, t.Dims, t.Affine)
}

func TestEnsembleRun(t *testing.T) {
	tensor := testTensor(t, [3]int{6, 5, 4})
	p := &noisyPredictor{fail: -1}
	e := &Ensemble{Workers: 4}

	res, err := e.Run(context.Background(), p, tensor, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Samples)
	assert.Equal(t, int32(12), p.calls.Load())
	assert.Equal(t, tensor.Dims, res.Mean.Dims)
	for _, v := range res.Mean.Data {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}

	// worker count does not change the result
	serial, err := (&Ensemble{Workers: 1}).Run(context.Background(), &noisyPredictor{fail: -1}, tensor, 12)
	require.NoError(t, err)
	assert.Equal(t, res.Mean.Data, serial.Mean.Data)
}

func TestEnsembleSingleSample(t *testing.T) {
	tensor := testTensor(t, [3]int{3, 3, 3})
	p := &noisyPredictor{fail: -1}
	res, err := (&Ensemble{}).Run(context.Background(), p, tensor, 1)
	require.NoError(t, err)

	want, err := p.Predict(context.Background(), tensor, 0)
	require.NoError(t, err)
	assert.Equal(t, want.Data, res.Mean.Data)
}

func TestEnsembleFailsWhole(t *testing.T) {
	tensor := testTensor(t, [3]int{4, 4, 4})
	res, err := (&Ensemble{Workers: 3}).Run(context.Background(), &noisyPredictor{fail: 5}, tensor, 8)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrEnsembleSample)
	assert.Contains(t, err.Error(), "sample 5")

	_, err = (&Ensemble{}).Run(context.Background(), &noisyPredictor{fail: -1}, tensor, 0)
	assert.Error(t, err)
}

func TestMeanPermutationInvariant(t *testing.T) {
	dims := [3]int{5, 4, 3}
	rng := rand.New(rand.NewSource(42))
	samples := make([]*models.Volume, 20)
	for i := range samples {
		data := make([]float64, dims[0]*dims[1]*dims[2])
		for j := range data {
			// wide dynamic range makes naive summation order-sensitive
			data[j] = rng.Float64() * float64(int64(1)<<uint(rng.Intn(40)))
		}
		v, err := models.NewVolume(data, dims, models.Identity())
		require.NoError(t, err)
		samples[i] = v
	}

	want, err := Mean(samples)
	require.NoError(t, err)
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]*models.Volume(nil), samples...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := Mean(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got.Data)
	}
}

func TestMeanRejectsMixedGrids(t *testing.T) {
	a, err := models.Zeros([3]int{2, 2, 2}, models.Identity())
	require.NoError(t, err)
	b, err := models.Zeros([3]int{2, 2, 3}, models.Identity())
	require.NoError(t, err)

	_, err = Mean([]*models.Volume{a, b})
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
	_, err = Mean(nil)
	assert.Error(t, err)
}

func setHelperCommand(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string(nil), args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], append([]string{"-test.run=TestHelperProcess", "--"}, args...)...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("PREDICT_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestCommandRuntime(t *testing.T) {
	var args []string
	setHelperCommand(t, "sigmoid", &args)

	dir := t.TempDir()
	d := families[0].Primary(dir)
	writeModelFiles(t, d)

	rt := NewCommandRuntime("predict", "--gpu", "0")
	p, err := rt.Load(context.Background(), d)
	require.NoError(t, err)

	tensor := testTensor(t, [3]int{4, 3, 2})
	prob, err := p.Predict(context.Background(), tensor, 7)
	require.NoError(t, err)
	assert.Equal(t, tensor.Dims, prob.Dims)
	for i, x := range tensor.Channels[0] {
		if x > 0 {
			assert.Equal(t, 1.0, prob.Data[i])
		} else {
			assert.Equal(t, 0.0, prob.Data[i])
		}
	}

	require.GreaterOrEqual(t, len(args), 11)
	assert.Equal(t, []string{"--gpu", "0", "--model", d.Architecture, "--weights", d.Weights, "--seed", "7", "--output"}, args[:9])
	// scratch files are gone once Predict returns
	_, err = os.Stat(filepath.Dir(args[9]))
	assert.True(t, os.IsNotExist(err))
}

func TestCommandRuntimeFailures(t *testing.T) {
	dir := t.TempDir()
	d := families[0].Primary(dir)

	_, err := NewCommandRuntime("predict").Load(context.Background(), d)
	assert.ErrorIs(t, err, models.ErrModelNotFound)

	writeModelFiles(t, d)
	setHelperCommand(t, "failure", nil)
	p, err := NewCommandRuntime("predict").Load(context.Background(), d)
	require.NoError(t, err)
	_, err = p.Predict(context.Background(), testTensor(t, [3]int{2, 2, 2}), 0)
	assert.ErrorIs(t, err, models.ErrToolInvocation)
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("PREDICT_HELPER_MODE") {
	case "sigmoid":
		var output string
		var inputs []string
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--model", "--weights", "--seed", "--gpu":
				i++
			case "--output":
				output = args[i+1]
				i++
			default:
				inputs = append(inputs, args[i])
			}
		}
		in, err := nifti.Read(inputs[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		out := make([]float64, len(in.Data))
		for i, x := range in.Data {
			if x > 0 {
				out[i] = 1
			}
		}
		if err := nifti.Write(output, in.WithData(out), nifti.Float32); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "cuda out of memory "+strconv.Itoa(len(args)))
		os.Exit(1)
	default:
		os.Exit(0)
	}
}
