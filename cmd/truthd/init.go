package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/basket/truthd/internal/config"
	"github.com/basket/truthd/internal/truthstore"
)

func runInitCommand(ctx context.Context, root string, args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	name := fs.String("name", "", "project name (default: the root directory name)")
	typ := fs.String("type", string(truthstore.ProjectTraditional), "project type: traditional|ai_ml|hybrid|enhancement")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve root: %v\n", err)
		return 1
	}
	projectName := *name
	if projectName == "" {
		projectName = filepath.Base(absRoot)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fmt.Fprintf(os.Stderr, "write default config: %v\n", err)
			return 1
		}
		fmt.Printf("wrote default config to %s\n", config.ConfigPath(cfg.HomeDir))
	}

	store, err := truthstore.Open(truthstore.DefaultDBPath(absRoot), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.InitProject(ctx, uuid.NewString(), projectName, truthstore.ProjectType(*typ), absRoot); err != nil {
		fmt.Fprintf(os.Stderr, "init project: %v\n", err)
		return 1
	}
	if err := seedBudget(ctx, store, cfg.Budget); err != nil {
		fmt.Fprintf(os.Stderr, "seed budget: %v\n", err)
		return 1
	}

	state, err := store.GetOnboardingState(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "onboarding state: %v\n", err)
		return 1
	}

	fmt.Printf("initialized project %q (%s) at %s\n", projectName, *typ, absRoot)
	fmt.Printf("store: %s\n\n", truthstore.DefaultDBPath(absRoot))
	fmt.Println("Onboarding questions to answer before generation work can start:")
	for _, q := range state.Questions {
		fmt.Printf("  %s: %s\n", q.QuestionID, q.Prompt)
	}
	return 0
}
