package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
	"icvmapper/pkg/nifti"
)

var commandContext = exec.CommandContext

// Predictor produces one dropout sample of the probability map for a tensor.
// Different seeds give different dropout masks.
type Predictor interface {
	Predict(ctx context.Context, t *models.Tensor, seed int64) (*models.Volume, error)
}

// Runtime loads a model into a Predictor.
type Runtime interface {
	Load(ctx context.Context, d Descriptor) (Predictor, error)
}

// CommandRuntime delegates prediction to an external executable:
//
//	<Binary> [Args...] --model <json> --weights <h5> --seed <n> --output <nii> <channel.nii.gz>...
//
// Channels are passed in tensor order. Scratch files live in a temporary
// directory removed when Predict returns.
type CommandRuntime struct {
	Binary string
	Args   []string
	Log    log.FieldLogger
}

// NewCommandRuntime returns a CommandRuntime for binary.
func NewCommandRuntime(binary string, args ...string) *CommandRuntime {
	return &CommandRuntime{Binary: binary, Args: args, Log: log.StandardLogger()}
}

// Load verifies the model files and binds them to the executable.
func (r *CommandRuntime) Load(ctx context.Context, d Descriptor) (Predictor, error) {
	if err := d.Verify(); err != nil {
		return nil, err
	}
	logger := r.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &commandPredictor{runtime: r, desc: d, log: logger.WithField("model", d.Name)}, nil
}

type commandPredictor struct {
	runtime *CommandRuntime
	desc    Descriptor
	log     log.FieldLogger
}

func (p *commandPredictor) Predict(ctx context.Context, t *models.Tensor, seed int64) (*models.Volume, error) {
	dir, err := os.MkdirTemp("", "icvmapper-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inputs := make([]string, len(t.Channels))
	for i := range t.Channels {
		ch, err := t.Channel(i)
		if err != nil {
			return nil, err
		}
		inputs[i] = filepath.Join(dir, fmt.Sprintf("ch%d_%s.nii.gz", i, t.Modalities[i]))
		if err := nifti.Write(inputs[i], ch, nifti.Float32); err != nil {
			return nil, fmt.Errorf("writing channel %d: %w", i, err)
		}
	}
	output := filepath.Join(dir, "prob.nii.gz")

	args := append([]string(nil), p.runtime.Args...)
	args = append(args,
		"--model", p.desc.Architecture,
		"--weights", p.desc.Weights,
		"--seed", strconv.FormatInt(seed, 10),
		"--output", output,
	)
	args = append(args, inputs...)

	cmd := commandContext(ctx, p.runtime.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	p.log.WithField("seed", seed).Debug("Running prediction")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", models.ErrToolInvocation, p.runtime.Binary, err, strings.TrimSpace(stderr.String()))
	}

	prob, err := nifti.Read(output)
	if err != nil {
		return nil, fmt.Errorf("reading prediction: %w", err)
	}
	if prob.Dims != t.Dims {
		return nil, fmt.Errorf("%w: prediction grid %v, tensor grid %v", models.ErrGeometryMismatch, prob.Dims, t.Dims)
	}
	return models.NewVolume(prob.Data, t.Dims, t.Affine)
}
