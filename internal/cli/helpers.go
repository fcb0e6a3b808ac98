package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/re-cinq/line/internal/agentio"
	"github.com/re-cinq/line/internal/config"
	"github.com/re-cinq/line/internal/git"
	"github.com/re-cinq/line/internal/gitlock"
)

// loadAndValidateConfig loads a config file and validates it, printing errors to stderr.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}

// resolveRepo finds the git repository root from a config file path.
func resolveRepo(configArg string) (string, error) {
	abs, err := filepath.Abs(configArg)
	if err != nil {
		return "", err
	}
	repoDir := findGitRoot(filepath.Dir(abs))
	if repoDir == "" {
		return "", fmt.Errorf("could not find git repository root")
	}
	return repoDir, nil
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// buildAssistantCLI wires the configured assistant command into the
// supervisor-backed SubprocessCLI every run command drives the orchestrator with.
func buildAssistantCLI(cfg *config.Config) agentio.AssistantCLI {
	readyTpl := agentio.ArgvTemplate{Command: cfg.Agent.Command, Args: cfg.Agent.ReadyArgs}
	manageTpl := agentio.ArgvTemplate{Command: cfg.Agent.Command, Args: cfg.Agent.ManageArgs}
	return agentio.NewSubprocessCLI(readyTpl, manageTpl, cfg.Agent.ResumeFlag,
		cfg.Settings.IdleTimeout.Duration(), cfg.Settings.ClaudeTimeout.Duration())
}

// buildRepo builds the git.Repo and shared lock a run command hands off
// to the orchestrator.
func buildRepo(repoDir string) (*git.Repo, *gitlock.Lock) {
	lock := gitlock.New()
	repo := git.NewRepo(repoDir, lock, fmt.Sprintf("cli-%d", os.Getpid()))
	return repo, lock
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func secondsToDuration(secs int) config.Duration {
	return config.Duration(time.Duration(secs) * time.Second)
}
