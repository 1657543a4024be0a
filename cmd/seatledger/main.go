package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/seatledger/internal/seatcp"
	"github.com/rcourtman/seatledger/internal/seatcp/admin"
	"github.com/rcourtman/seatledger/pkg/pricing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	quoteSeats       int
	quotePeriod      string
	quotePricingFile string
	quoteJSON        bool
)

// Swapped in tests.
var (
	runServer      = seatcp.Run
	isTerminal     = term.IsTerminal
	readPassword   = term.ReadPassword
	stdinFd        = func() int { return int(os.Stdin.Fd()) }
	minAdminKeyLen = 16
)

var rootCmd = &cobra.Command{
	Use:           "seatledger",
	Short:         "Seat ledger - per-seat subscription billing control plane",
	Long:          `Seat ledger sells per-seat organization subscriptions through Stripe and enforces the purchased seat limit on member admission.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "seatledger %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a seat count against the tier table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		period, err := pricing.ParseBillingPeriod(quotePeriod)
		if err != nil {
			return err
		}
		table := pricing.DefaultTable()
		if quotePricingFile != "" {
			table, err = pricing.LoadTable(quotePricingFile)
			if err != nil {
				return err
			}
		}
		quote, err := table.Quote(quoteSeats, period)
		if err != nil {
			return err
		}
		if quoteJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(quote)
		}
		return printQuote(cmd.OutOrStdout(), quote)
	},
}

var hashAdminKeyCmd = &cobra.Command{
	Use:   "hash-admin-key",
	Short: "Hash an admin key for SEATS_ADMIN_KEY",
	Long:  `Reads an admin key (prompting twice on a terminal, or one line from stdin) and prints its bcrypt hash.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readAdminKey(cmd)
		if err != nil {
			return err
		}
		if len(key) < minAdminKeyLen {
			return fmt.Errorf("admin key must be at least %d characters", minAdminKeyLen)
		}
		hash, err := admin.HashKey(key)
		if err != nil {
			return fmt.Errorf("hash admin key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	quoteCmd.Flags().IntVar(&quoteSeats, "seats", 0, "number of seats")
	quoteCmd.Flags().StringVar(&quotePeriod, "period", string(pricing.PeriodMonthly), "billing period (monthly|yearly)")
	quoteCmd.Flags().StringVar(&quotePricingFile, "pricing-file", "", "YAML tier table (defaults to the built-in table)")
	quoteCmd.Flags().BoolVar(&quoteJSON, "json", false, "print the quote as JSON")
	_ = quoteCmd.MarkFlagRequired("seats")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(hashAdminKeyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printQuote(out io.Writer, q pricing.Quote) error {
	fmt.Fprintf(out, "%d seats, %s billing (pricing %s)\n\n", q.Seats, q.Period, q.TableVersion)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TIER\tSEATS\tPRICE/SEAT\tSUBTOTAL\t")
	for _, line := range q.Breakdown {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t\n", line.TierLabel, line.Seats, line.PricePerSeat.StringFixed(2), line.Subtotal.StringFixed(2))
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t\t%s %s\t\n", q.Seats, q.Total.StringFixed(2), q.Currency)
	return tw.Flush()
}

func readAdminKey(cmd *cobra.Command) (string, error) {
	fd := stdinFd()
	if !isTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read admin key: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, "Admin key: ")
	first, err := readPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	fmt.Fprint(errOut, "Confirm admin key: ")
	second, err := readPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("admin keys do not match")
	}
	return strings.TrimSpace(string(first)), nil
}
