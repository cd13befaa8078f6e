package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"sumtree/accumulator"
	"sumtree/cmd/internal/backend"
	"sumtree/config"
)

const (
	rootCommand          = "root"
	outstandingCommand   = "outstanding"
	verifyCommand        = "verify"
	journalVerifyCommand = "journal-verify"
	issueCommand         = "issue"
	redeemCommand        = "redeem"
	defaultConfig        = "./config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case rootCommand:
		runRoot(os.Args[2:])
	case outstandingCommand:
		runOutstanding(os.Args[2:])
	case verifyCommand:
		runVerify(os.Args[2:])
	case journalVerifyCommand:
		runJournalVerify(os.Args[2:])
	case issueCommand:
		runMutate(issueCommand, os.Args[2:])
	case redeemCommand:
		runMutate(redeemCommand, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runRoot(args []string) {
	fs := flag.NewFlagSet(rootCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	unit := fs.String("unit", "", "Restrict output to a single unit")
	fs.Parse(args)

	err := withAccumulator(*configPath, func(ctx context.Context, acc *accumulator.Accumulator) error {
		for _, name := range selectUnits(acc, *unit) {
			sum, root, err := acc.Outstanding(ctx, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Printf("%s root=%s sum=%d\n", name, root, sum)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runOutstanding(args []string) {
	fs := flag.NewFlagSet(outstandingCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	unit := fs.String("unit", "", "Restrict output to a single unit")
	fs.Parse(args)

	err := withAccumulator(*configPath, func(ctx context.Context, acc *accumulator.Accumulator) error {
		var total uint64
		units := selectUnits(acc, *unit)
		for _, name := range units {
			sum, _, err := acc.Outstanding(ctx, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Printf("%s outstanding=%d\n", name, sum)
			total += sum
		}
		if len(units) > 1 {
			fmt.Printf("total=%d\n", total)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	fs := flag.NewFlagSet(verifyCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	unit := fs.String("unit", "", "Restrict verification to a single unit")
	fs.Parse(args)

	err := withAccumulator(*configPath, func(ctx context.Context, acc *accumulator.Accumulator) error {
		for _, name := range selectUnits(acc, *unit) {
			if err := acc.VerifySubtree(ctx, name); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Printf("%s ok\n", name)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJournalVerify(args []string) {
	fs := flag.NewFlagSet(journalVerifyCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	fs.Parse(args)

	if err := journalVerify(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMutate(op string, args []string) {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	unit := fs.String("unit", "", "Unit the liability is denominated in")
	valueHex := fs.String("value", "", "Hex-encoded leaf value")
	amount := fs.Uint64("amount", 0, "Liability amount")
	fs.Parse(args)

	if err := mutate(*configPath, op, *unit, *valueHex, *amount); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mutate(configPath, op, unit, valueHex string, amount uint64) error {
	value, err := hex.DecodeString(strings.TrimSpace(valueHex))
	if err != nil {
		return fmt.Errorf("value must be hex encoded: %w", err)
	}

	return withAccumulator(configPath, func(ctx context.Context, acc *accumulator.Accumulator) error {
		var ev accumulator.Event
		var opErr error
		switch op {
		case issueCommand:
			ev, opErr = acc.Issue(ctx, unit, value, amount)
		case redeemCommand:
			ev, opErr = acc.Redeem(ctx, unit, value, amount)
		default:
			return fmt.Errorf("unknown operation %q", op)
		}
		if opErr != nil {
			return opErr
		}
		fmt.Printf("seq=%d op=%s leaf=%s root=%s outstanding=%d\n",
			ev.Seq, ev.Op, ev.LeafHash, ev.RootHash, ev.RootSum)
		return nil
	})
}

func journalVerify(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	journal, err := accumulator.OpenJournal(backend.JournalDSN(cfg))
	if err != nil {
		return err
	}
	defer journal.Close()

	if err := journal.Verify(context.Background()); err != nil {
		return err
	}
	fmt.Printf("journal verified: head seq %d\n", journal.Seq())
	return nil
}

// withAccumulator loads the configuration, opens the store and journal it
// points at, and hands a ready accumulator to fn. The daemon must not be
// running against the same data directory; file-backed stores hold an
// exclusive lock and the open fails.
func withAccumulator(configPath string, fn func(context.Context, *accumulator.Accumulator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeStore, err := backend.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	journal, err := accumulator.OpenJournal(backend.JournalDSN(cfg))
	if err != nil {
		return err
	}
	defer journal.Close()

	acc := accumulator.New(store, journal, nil)
	if err := acc.SetParams(cfg.AccumulatorParams()); err != nil {
		return err
	}
	return fn(context.Background(), acc)
}

func selectUnits(acc *accumulator.Accumulator, unit string) []string {
	trimmed := strings.ToLower(strings.TrimSpace(unit))
	if trimmed != "" {
		return []string{trimmed}
	}
	return acc.Units()
}

func usage() {
	fmt.Println("sumtreectl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s            Print each unit's committed root hash and sum\n", rootCommand)
	fmt.Printf("  %s     Print outstanding liabilities per unit\n", outstandingCommand)
	fmt.Printf("  %s          Recompute branch sums and check them against the stored root\n", verifyCommand)
	fmt.Printf("  %s  Replay the journal hash chain and report the head\n", journalVerifyCommand)
	fmt.Printf("  %s           Record an issuance directly against the store\n", issueCommand)
	fmt.Printf("  %s          Record a redemption directly against the store\n", redeemCommand)
}
