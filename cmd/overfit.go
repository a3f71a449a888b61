package cmd

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/simplegpt/pkg/gpt"
)

// NewOverfitCommand returns a command that trains on a single fixed batch
// and fails unless the loss goes down.
func NewOverfitCommand() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "overfit",
		Short: "Check that the model can overfit a single random batch",
		Long: `
Builds a model from the configured arguments, draws one random batch and
runs optimizer steps on it without dropout. A model whose gradients are
wired correctly drives the loss down quickly.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			margs := RootArgs.model
			margs.VocabSize = gpt.ByteVocabSize
			margs.Dropout = 0
			model, err := gpt.NewSimpleGPT(margs)
			if err != nil {
				return err
			}
			B, T := model.Args.BatchSize, model.Args.ContextSize
			rng := rand.New(rand.NewPCG(margs.Seed, margs.Seed+1))
			x, y := make([]int32, B*T), make([]int32, B*T)
			for i := range x {
				x[i] = rng.Int32N(int32(margs.VocabSize))
				y[i] = rng.Int32N(int32(margs.VocabSize))
			}
			opt := gpt.NewAdamW(RootArgs.training.LearningRate, 0)
			params := model.Parameters()
			var losses []float32
			for step := 0; step < steps; step++ {
				start := time.Now()
				if _, _, err := model.Forward(x, y, B, T); err != nil {
					return err
				}
				model.ZeroGradient()
				if err := model.Backward(); err != nil {
					return err
				}
				opt.Step(params)
				log.Info("step", "step", step, "loss", model.MeanLoss, "took", time.Since(start))
				losses = append(losses, model.MeanLoss)
			}
			if len(losses) > 1 && losses[len(losses)-1] >= losses[0] {
				return fmt.Errorf("loss did not decrease: %f -> %f", losses[0], losses[len(losses)-1])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 10, "Number of optimizer steps on the batch")
	cmd.Flags().Float32VarP(&RootArgs.training.LearningRate, "learning-rate", "r", RootArgs.training.LearningRate, "Learning rate")
	return cmd
}
