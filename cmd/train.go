package cmd

import (
	"fmt"
	"math/rand/v2"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/simplegpt/pkg/data"
	"github.com/conneroisu/simplegpt/pkg/gpt"
)

var sampleHeader = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("205"))

// trainArgs are the flags of the train command.
type trainArgs struct {
	datasetPath string
	maxTokens   int
	prompt      string
	temperature float32
	topK        int
}

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	var args trainArgs
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a text file and sample from it",
		Long: `
Trains a byte-level GPT on a text file.

The file is read fully into memory, encoded one token per byte and split
into a 90% training prefix and a 10% validation suffix. After training, a
sample is generated from the prompt (or from the first training window).
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&args.datasetPath, "data", "d", "data.txt", "Path to the training text file")
	flags.IntVar(&RootArgs.training.Steps, "steps", RootArgs.training.Steps, "Number of optimizer steps")
	flags.Float32VarP(&RootArgs.training.LearningRate, "learning-rate", "r", RootArgs.training.LearningRate, "Learning rate")
	flags.Float32VarP(&RootArgs.training.WeightDecay, "weight-decay", "w", RootArgs.training.WeightDecay, "Weight decay")
	flags.IntVar(&RootArgs.training.EvalIters, "eval-iters", RootArgs.training.EvalIters, "Batches per loss estimate")
	flags.IntVar(&RootArgs.training.EvalEach, "eval-each", RootArgs.training.EvalEach, "Steps between loss estimates")
	flags.IntVarP(&args.maxTokens, "max-tokens", "n", 300, "Number of tokens to generate after training")
	flags.StringVarP(&args.prompt, "prompt", "p", "", "Prompt to continue (default: first training window)")
	flags.Float32VarP(&args.temperature, "temperature", "T", 1.0, "Sampling temperature (0 is greedy)")
	flags.IntVarP(&args.topK, "top-k", "k", 0, "Top-k sampling (0 disables)")
	return cmd
}

func runTrain(args trainArgs) error {
	tok := gpt.ByteTokenizer{}
	corpus, err := data.LoadCorpus(args.datasetPath, tok)
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}
	log.Info("data", "train", len(corpus.Train), "val", len(corpus.Val))

	margs := RootArgs.model
	margs.VocabSize = tok.VocabSize()
	model, err := gpt.NewSimpleGPT(margs)
	if err != nil {
		return err
	}
	margs = model.Args

	rng := rand.New(rand.NewPCG(margs.Seed, margs.Seed+1))
	trainLoader, err := data.NewRandomLoader(corpus.Train, margs.BatchSize, margs.ContextSize, rng)
	if err != nil {
		return fmt.Errorf("failed to create train loader: %w", err)
	}
	valLoader, err := data.NewRandomLoader(corpus.Val, margs.BatchSize, margs.ContextSize, rng)
	if err != nil {
		return fmt.Errorf("failed to create validation loader: %w", err)
	}

	targs := RootArgs.training
	opt := gpt.NewAdamW(targs.LearningRate, targs.WeightDecay)
	if _, err := model.Train(opt, trainLoader, valLoader, targs, log.Default()); err != nil {
		return fmt.Errorf("failed to train model: %w", err)
	}

	prompt, err := tok.Encode(args.prompt)
	if err != nil {
		return err
	}
	if len(prompt) == 0 {
		batch, err := trainLoader.NextBatch()
		if err != nil {
			return err
		}
		prompt = batch.Inputs[:batch.T]
	}
	sampler := gpt.NewSampler(args.temperature, args.topK, margs.Seed)
	gen, err := model.Generate(prompt, 1, args.maxTokens, sampler)
	if err != nil {
		return fmt.Errorf("failed to generate: %w", err)
	}
	text, err := tok.Decode(gen)
	if err != nil {
		return err
	}
	fmt.Println(sampleHeader.Render("== generating text =="))
	fmt.Println(text)
	return nil
}
