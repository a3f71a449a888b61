// Package cmd contains the root command for the SimpleGPT CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/simplegpt/pkg/gpt"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	configPath string
	verbose    bool
	model      gpt.Args
	training   gpt.TrainingArgs
}

// fileConfig is the layout of a YAML config file.
type fileConfig struct {
	Model    *gpt.Args         `yaml:"model"`
	Training *gpt.TrainingArgs `yaml:"training"`
}

// RootArgs is the root command arguments.
var RootArgs = rootArgs{
	model:    gpt.DefaultArgs(),
	training: gpt.DefaultTrainingArgs(),
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simplegpt",
	Short: "A CLI for a byte-level GPT language model",
	Long: `
A CLI for a byte-level GPT language model.

Trains a small decoder-only transformer on a text file and samples from it.
	`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if RootArgs.configPath == "" {
			return nil
		}
		return loadConfig(cmd.Flags(), RootArgs.configPath)
	},
}

// loadConfig overlays the YAML file at path onto the defaults. Flags set
// explicitly on the command line win over the file.
func loadConfig(flags *pflag.FlagSet, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	cfg := fileConfig{Model: &RootArgs.model, Training: &RootArgs.training}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	log.Debug("loaded config", "path", path, "model", RootArgs.model, "training", RootArgs.training)
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&RootArgs.configPath, "config", "c", "", "YAML config file with model and training sections")
	flags.BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	flags.IntVar(&RootArgs.model.ContextSize, "context-size", RootArgs.model.ContextSize, "Maximum sequence length")
	flags.IntVar(&RootArgs.model.EmbeddingSize, "embedding-size", RootArgs.model.EmbeddingSize, "Embedding width")
	flags.IntVar(&RootArgs.model.FFWEmbeddingSize, "ffw-embedding-size", 0, "Feed-forward width (0 derives 4*embedding-size)")
	flags.IntVar(&RootArgs.model.Heads, "heads", RootArgs.model.Heads, "Attention heads per block")
	flags.IntVar(&RootArgs.model.HeadSize, "head-size", 0, "Width of each head (0 derives embedding-size/heads)")
	flags.IntVar(&RootArgs.model.BlockLayers, "block-layers", RootArgs.model.BlockLayers, "Number of transformer blocks")
	flags.Float32Var(&RootArgs.model.Dropout, "dropout", RootArgs.model.Dropout, "Dropout probability")
	flags.IntVarP(&RootArgs.model.BatchSize, "batch-size", "b", RootArgs.model.BatchSize, "Batch size")
	flags.Uint64VarP(&RootArgs.model.Seed, "seed", "s", RootArgs.model.Seed, "Seed for random number generator")

	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewOverfitCommand())
}
