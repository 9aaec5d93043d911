package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"
	"go.uber.org/zap"

	"daftar/internal/app"
	"daftar/internal/config"
	"daftar/internal/format"
	"daftar/internal/logger"
)

var commands = []subcommands.Command{
	&syncCmd{},
	&balancesCmd{},
	&budgetCmd{},
	&backupCmd{},
}

// open loads configuration and a synced book. The returned app must be
// closed by the caller.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		log.Warn("showing cached book", zap.Error(err))
	}
	return a, nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return subcommands.ExitFailure
}

type syncCmd struct {
	timeout time.Duration
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "reload the book from the remote and refresh the local cache" }
func (*syncCmd) Usage() string {
	return `daftar sync [-timeout <duration>]

  Loads every collection from the remote, writes them to the local cache and
  prints what was loaded.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "give up after this long")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	snap := a.Coordinator.Snapshot()
	printMarkdown(os.Stdout, statusMarkdown(a.AccountID, snap))
	if snap.ConnectionError {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type balancesCmd struct {
	customer string
	supplier string
}

func (*balancesCmd) Name() string     { return "balances" }
func (*balancesCmd) Synopsis() string { return "show what a customer owes or what is owed to a supplier" }
func (*balancesCmd) Usage() string {
	return `daftar balances -customer <id> | -supplier <id>

  Prints the party's outstanding balance in each currency it trades in.
`
}

func (c *balancesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.customer, "customer", "", "customer id")
	f.StringVar(&c.supplier, "supplier", "", "supplier id")
}

func (c *balancesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if (c.customer == "") == (c.supplier == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -customer or -supplier is required")
		return subcommands.ExitUsageError
	}

	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	snap := a.Coordinator.Snapshot()
	if c.customer != "" {
		name, ok := partyName(snap.Customers, c.customer)
		if !ok {
			return fail(fmt.Errorf("customer %s not found", c.customer))
		}
		printMarkdown(os.Stdout, balancesMarkdown("Customer "+name, "Owes the agency", a.Coordinator.CustomerBalances(c.customer)))
		return subcommands.ExitSuccess
	}
	name, ok := partyName(snap.Suppliers, c.supplier)
	if !ok {
		return fail(fmt.Errorf("supplier %s not found", c.supplier))
	}
	printMarkdown(os.Stdout, balancesMarkdown("Supplier "+name, "Owed by the agency", a.Coordinator.SupplierBalances(c.supplier)))
	return subcommands.ExitSuccess
}

type budgetCmd struct {
	base bool
}

func (*budgetCmd) Name() string     { return "budget" }
func (*budgetCmd) Synopsis() string { return "show receivables and payables per currency" }
func (*budgetCmd) Usage() string {
	return `daftar budget [-base]

  Prints assets (customer debts), liabilities (supplier debts) and the net
  position per currency. With -base, also folds them into the base currency
  using the account's exchange rates.
`
}

func (c *budgetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.base, "base", false, "also total in the base currency")
}

func (c *budgetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	lines := a.Coordinator.BudgetSummary()
	var view budgetView
	view.lines = lines
	if c.base {
		total, missing := format.BudgetInBase(lines, a.Coordinator.Snapshot().ExchangeRates)
		view.base = &total
		view.missing = missing
	}
	printMarkdown(os.Stdout, budgetMarkdown(view))
	return subcommands.ExitSuccess
}

type backupCmd struct{}

func (*backupCmd) Name() string     { return "backup" }
func (*backupCmd) Synopsis() string { return "create a cloud backup of the book" }
func (*backupCmd) Usage() string {
	return `daftar backup

  Asks the remote to snapshot the account. When BACKUP_BUCKET is set the
  current book is also archived to object storage.
`
}

func (*backupCmd) SetFlags(*flag.FlagSet) {}

func (*backupCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	b, err := a.Coordinator.CreateCloudBackup(ctx)
	if err != nil {
		return fail(err)
	}
	printMarkdown(os.Stdout, backupMarkdown(b))
	return subcommands.ExitSuccess
}

// printMarkdown renders md for the terminal, falling back to the raw text
// when rendering fails.
func printMarkdown(w io.Writer, md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err == nil {
		var out string
		if out, err = r.Render(md); err == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprint(w, md)
}
