package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/uesteibar/autoflow/internal/autoflow/config"
)

// initAnswers are the values collected by the init form.
type initAnswers struct {
	TeamID      string
	BotName     string
	LocalPath   string
	DefaultBase string
	GithubRepo  string // owner/repo
	Slots       string
}

// runInitForm is a variable so tests can skip the interactive form.
var runInitForm = func(a *initAnswers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Linear team").
				Description("Team key or id, e.g. ENG").
				Value(&a.TeamID).
				Validate(required("team")),
			huh.NewInput().
				Title("Bot handle").
				Description("Users write @<handle> to talk to autoflow").
				Value(&a.BotName).
				Validate(required("handle")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Repository path").
				Value(&a.LocalPath).
				Validate(required("repository path")),
			huh.NewInput().
				Title("Base branch").
				Value(&a.DefaultBase),
			huh.NewInput().
				Title("GitHub repository").
				Description("owner/repo, leave empty to only push branches").
				Value(&a.GithubRepo).
				Validate(validGithubRepo),
			huh.NewInput().
				Title("Execution slots").
				Value(&a.Slots).
				Validate(validSlots),
		),
	).Run()
}

func initCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
			}

			def := config.Default()
			a := initAnswers{
				BotName:     def.Linear.BotName,
				DefaultBase: def.Repo.DefaultBase,
				Slots:       strconv.Itoa(def.Execution.Slots),
			}
			if wd, err := os.Getwd(); err == nil {
				a.LocalPath = wd
			}
			if err := runInitForm(&a); err != nil {
				return fmt.Errorf("init cancelled: %w", err)
			}

			cfg, err := a.config()
			if err != nil {
				return err
			}
			if err := config.Save(*configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configPath)
			for _, issue := range cfg.Validate() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", issue)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

// config applies the answers over the defaults.
func (a initAnswers) config() (config.Config, error) {
	cfg := config.Default()
	cfg.Linear.TeamID = strings.TrimSpace(a.TeamID)
	if name := strings.TrimPrefix(strings.TrimSpace(a.BotName), "@"); name != "" {
		cfg.Linear.BotName = name
	}
	cfg.Repo.LocalPath = strings.TrimSpace(a.LocalPath)
	if base := strings.TrimSpace(a.DefaultBase); base != "" {
		cfg.Repo.DefaultBase = base
	}
	if repo := strings.TrimSpace(a.GithubRepo); repo != "" {
		if err := validGithubRepo(repo); err != nil {
			return config.Config{}, err
		}
		owner, name, _ := strings.Cut(repo, "/")
		cfg.Github = config.GithubConfig{Owner: owner, Repo: name}
	}
	if s := strings.TrimSpace(a.Slots); s != "" {
		if err := validSlots(s); err != nil {
			return config.Config{}, err
		}
		cfg.Execution.Slots, _ = strconv.Atoi(s)
	}
	return cfg, nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validGithubRepo(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return errors.New("expected owner/repo")
	}
	return nil
}

func validSlots(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("expected a positive number")
	}
	return nil
}
