package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jywlabs/conclave/internal/config"
	"github.com/jywlabs/conclave/internal/worker"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show the configuration conclave will use: .conclave/config.yaml merged
over the defaults, with .env files and CONCLAVE_* environment variables
applied. Secrets are not printed.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()
	return printConfig(cmd.OutOrStdout(), a.cfg)
}

type workerView struct {
	Kind     string `yaml:"kind"`
	Model    string `yaml:"model,omitempty"`
	Provider string `yaml:"provider,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

type configView struct {
	Workers map[string]workerView `yaml:"workers"`
	Review  struct {
		Workers       []string `yaml:"workers"`
		Perspectives  []string `yaml:"perspectives"`
		Strategy      string   `yaml:"strategy"`
		MaxPerWorker  int      `yaml:"maxPerWorker"`
		Retries       int      `yaml:"retries"`
		Challenger    string   `yaml:"challenger"`
		Threshold     float64  `yaml:"threshold"`
		MaxIterations int      `yaml:"maxIterations"`
		ContextMode   string   `yaml:"contextMode"`
	} `yaml:"review"`
	Fix struct {
		Fixer      string  `yaml:"fixer"`
		Challenger string  `yaml:"challenger"`
		MaxRounds  int     `yaml:"maxRounds"`
		Threshold  float64 `yaml:"threshold"`
		Timeout    string  `yaml:"timeout"`
	} `yaml:"fix"`
	Checkpoint struct {
		Dir    string `yaml:"dir"`
		Remote string `yaml:"remote"`
		DSN    string `yaml:"dsn,omitempty"`
	} `yaml:"checkpoint"`
	Events struct {
		Redis       bool   `yaml:"redis"`
		RedisStream string `yaml:"redisStream"`
	} `yaml:"events"`
	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func printConfig(w io.Writer, cfg *config.Config) error {
	var v configView
	v.Workers = make(map[string]workerView, len(cfg.Workers))
	for name, wc := range cfg.Workers {
		wv := workerView{Kind: wc.Kind, Model: wc.Model, Provider: wc.Provider, Command: wc.Command}
		if wc.Timeout > 0 {
			wv.Timeout = wc.Timeout.String()
		}
		v.Workers[name] = wv
	}

	r := cfg.Review
	v.Review.Workers = r.Workers
	v.Review.Perspectives = r.Perspectives
	v.Review.Strategy = string(r.Strategy)
	v.Review.MaxPerWorker = r.MaxPerWorker
	v.Review.Retries = r.Retries
	v.Review.Challenger = r.Challenger
	v.Review.Threshold = r.Threshold
	v.Review.MaxIterations = r.MaxIterations
	v.Review.ContextMode = string(r.ContextMode)

	v.Fix.Fixer = cfg.Fix.Fixer
	v.Fix.Challenger = cfg.Fix.Challenger
	v.Fix.MaxRounds = cfg.Fix.MaxRounds
	v.Fix.Threshold = cfg.Fix.Threshold
	v.Fix.Timeout = cfg.Fix.Timeout.String()

	v.Checkpoint.Dir = cfg.Checkpoint.Dir
	v.Checkpoint.Remote = string(cfg.Checkpoint.Remote)
	v.Checkpoint.DSN = redactDSN(cfg.Checkpoint.DSN)
	v.Events.Redis = cfg.Events.RedisURL != ""
	v.Events.RedisStream = cfg.Events.RedisStream
	v.Log.Env = cfg.Log.Env
	v.Log.Level = cfg.Log.Level

	data, err := yaml.Marshal(&v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	kinds := worker.Available()
	sort.Strings(kinds)
	_, err = fmt.Fprintf(w, "\n# worker kinds: %s\n", strings.Join(kinds, ", "))
	return err
}

// redactDSN hides the password of URL-style DSNs.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	creds, host := rest[:at], rest[at+1:]
	if user, _, hasPass := strings.Cut(creds, ":"); hasPass {
		creds = user + ":****"
	}
	return scheme + "://" + creds + "@" + host
}
