package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/basket/truthd/internal/config"
	"github.com/basket/truthd/internal/truthstore"
)

// runBudgetCommand sets the project budget in the store and persists it to
// config.yaml so a restart seeds the same cap.
func runBudgetCommand(ctx context.Context, root string, args []string) int {
	fs := flag.NewFlagSet("budget", flag.ContinueOnError)
	threshold := fs.Float64("threshold", 0.8, "alert threshold as a fraction of the budget, in (0, 1]")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: truthd budget [-threshold <fraction>] <amount_usd>")
		return 2
	}
	amount, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil || amount <= 0 {
		fmt.Fprintf(os.Stderr, "invalid budget amount %q\n", fs.Arg(0))
		return 2
	}

	store, err := truthstore.Open(truthstore.DefaultDBPath(root), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.SetBudget(ctx, amount, *threshold); err != nil {
		fmt.Fprintf(os.Stderr, "set budget: %v\n", err)
		return 1
	}
	if err := config.SetBudget(config.HomeDir(), amount, *threshold); err != nil {
		fmt.Fprintf(os.Stderr, "persist budget to config: %v\n", err)
		return 1
	}
	fmt.Printf("budget set to $%.2f (alert at %.0f%%)\n", amount, *threshold*100)
	return 0
}
