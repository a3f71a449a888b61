package gpt

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/simplegpt/pkg/data"
	"github.com/conneroisu/simplegpt/pkg/torch"
)

// TrainingArgs configures the training loop.
type TrainingArgs struct {
	// Steps is the number of optimizer steps.
	Steps int `yaml:"steps"`
	// LearningRate of the AdamW optimizer.
	LearningRate float32 `yaml:"lr"`
	// WeightDecay of the AdamW optimizer.
	WeightDecay float32 `yaml:"weight_decay"`
	// EvalIters is the number of batches averaged per loss estimate.
	EvalIters int `yaml:"eval_iters"`
	// EvalEach is the step interval between loss estimates.
	EvalEach int `yaml:"eval_each"`
}

// DefaultTrainingArgs returns the reference training configuration.
func DefaultTrainingArgs() TrainingArgs {
	return TrainingArgs{
		Steps:        1,
		LearningRate: 1e-3,
		WeightDecay:  0.01,
		EvalIters:    10,
		EvalEach:     100,
	}
}

// LossEstimate is the mean loss over a number of sampled batches.
type LossEstimate struct {
	Train float32
	Val   float32
}

// EstimateLoss averages the loss over iters batches from loader in inference
// mode. The previous training mode is restored afterwards.
func (model *SimpleGPT) EstimateLoss(loader data.Loader, iters int) (float32, error) {
	if iters <= 0 {
		return 0, fmt.Errorf("eval iterations must be positive, got %d", iters)
	}
	wasTraining := model.training
	model.SetTraining(false)
	defer model.SetTraining(wasTraining)
	var total float32
	for i := 0; i < iters; i++ {
		batch, err := loader.NextBatch()
		if err != nil {
			return 0, err
		}
		_, loss, err := model.Forward(batch.Inputs, batch.Targets, batch.B, batch.T)
		if err != nil {
			return 0, err
		}
		total += loss
	}
	return total / float32(iters), nil
}

// Train trains the model.
// It takes a training data loader and a validation data loader.
// Every EvalEach steps the loss is estimated on both and logged.
func (model *SimpleGPT) Train(opt Optimizer, trainLoader, valLoader data.Loader, args TrainingArgs, logger *log.Logger) ([]float32, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Info("training", "parameters", model.NumParameters(), "steps", args.Steps)
	model.SetTraining(true)
	params := model.Parameters()
	losses := make([]float32, 0, args.Steps)
	for step := 0; step < args.Steps; step++ {
		start := time.Now()
		batch, err := trainLoader.NextBatch()
		if err != nil {
			return losses, fmt.Errorf("failed to load batch: %w", err)
		}
		if _, _, err := model.Forward(batch.Inputs, batch.Targets, batch.B, batch.T); err != nil {
			return losses, fmt.Errorf("failed to forward: %w", err)
		}
		model.ZeroGradient()
		if err := model.Backward(); err != nil {
			return losses, fmt.Errorf("failed to backward: %w", err)
		}
		if torch.IsNaN(model.MeanLoss) || torch.IsInf(model.MeanLoss) {
			return losses, fmt.Errorf("loss diverged at step %d: %v", step, model.MeanLoss)
		}
		opt.Step(params)
		losses = append(losses, model.MeanLoss)
		logger.Debug("step", "step", step, "loss", model.MeanLoss, "took", time.Since(start))

		if args.EvalEach > 0 && step%args.EvalEach == 0 {
			est, err := model.estimate(trainLoader, valLoader, args.EvalIters)
			if err != nil {
				return losses, err
			}
			logger.Info("eval", "step", step, "train", est.Train, "val", est.Val)
		}
	}
	return losses, nil
}

func (model *SimpleGPT) estimate(trainLoader, valLoader data.Loader, iters int) (LossEstimate, error) {
	var est LossEstimate
	var err error
	if est.Train, err = model.EstimateLoss(trainLoader, iters); err != nil {
		return est, fmt.Errorf("failed to estimate train loss: %w", err)
	}
	if est.Val, err = model.EstimateLoss(valLoader, iters); err != nil {
		return est, fmt.Errorf("failed to estimate val loss: %w", err)
	}
	return est, nil
}
