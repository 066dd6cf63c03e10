package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// errFailed is returned when at least one category fails.
var errFailed = errors.New("some test categories failed")

// runFunc runs one command, streaming its output to out.
type runFunc func(ctx context.Context, out io.Writer, name string, args ...string) error

func goTest(ctx context.Context, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second
	return cmd.Run()
}

// category is a group of tests selected by one flag.
type category struct {
	flag  string
	title string
	// steps are the go subcommand argument lists run in order.
	steps func(common []string) [][]string
}

var categories = []category{
	{
		flag:  "unit",
		title: "Unit Tests",
		steps: func(common []string) [][]string {
			return [][]string{slices.Concat([]string{"test"}, common, []string{"./..."})}
		},
	},
	{
		flag:  "integration",
		title: "Integration Tests",
		steps: func(common []string) [][]string {
			return [][]string{slices.Concat([]string{"test", "-run", "EndToEnd|QuantizeCmd|HTTPHandler"}, common, []string{"./..."})}
		},
	},
	{
		flag:  "performance",
		title: "Performance Tests",
		steps: func(common []string) [][]string {
			return [][]string{slices.Concat([]string{"test", "-run", "^$", "-bench", ".", "-benchmem", "-benchtime", "100x"}, common, []string{"./..."})}
		},
	},
	{
		flag:  "security",
		title: "Security Tests",
		steps: func(common []string) [][]string {
			return [][]string{
				{"vet", "./..."},
				slices.Concat([]string{"test", "-race", "-run", "Sanitize|Reserved|OutputDir|Reject"}, common, []string{"./..."}),
			}
		},
	},
	{
		flag:  "coverage",
		title: "Coverage Report",
		steps: func(common []string) [][]string {
			return [][]string{
				slices.Concat([]string{"test", "-covermode", "atomic", "-coverprofile", "coverage.out"}, common, []string{"./..."}),
				{"tool", "cover", "-html", "coverage.out", "-o", "coverage.html"},
			}
		},
	},
}

type result struct {
	title   string
	passed  bool
	elapsed time.Duration
}

func newRootCmd(run runFunc) *cobra.Command {
	var all, verbose, fast bool
	var extra string
	selected := make(map[string]*bool, len(categories))

	c := &cobra.Command{
		Use:           "testrunner",
		Short:         "Run the test suites by category and summarize the results",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var chosen []category
			for _, cat := range categories {
				if all || *selected[cat.flag] {
					chosen = append(chosen, cat)
				}
			}
			if len(chosen) == 0 {
				return cmd.Help()
			}

			common, err := shellwords.Parse(extra)
			if err != nil {
				return fmt.Errorf("parsing --args: %w", err)
			}
			if verbose {
				common = append(common, "-v")
			}
			if fast {
				common = append(common, "-short")
			}

			start := time.Now()
			results := make([]result, 0, len(chosen))
			for _, cat := range chosen {
				results = append(results, runCategory(cmd, run, cat, common))
			}
			cmd.Print(summary(results, time.Since(start)))

			for _, r := range results {
				if !r.passed {
					return errFailed
				}
			}
			return nil
		},
	}
	flags := c.Flags()
	flags.BoolVar(&all, "all", false, "run every category")
	for _, cat := range categories {
		selected[cat.flag] = flags.Bool(cat.flag, false, "run the "+cat.title)
	}
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose test output")
	flags.BoolVar(&fast, "fast", false, "skip slow tests")
	flags.StringVar(&extra, "args", "", "extra arguments passed to go test")
	return c
}

func runCategory(cmd *cobra.Command, run runFunc, cat category, common []string) result {
	banner := bytes.Repeat([]byte("="), 70)
	cmd.Printf("\n%s\n%s\n%s\n\n", banner, cat.title, banner)

	start := time.Now()
	r := result{title: cat.title, passed: true}
	for _, args := range cat.steps(common) {
		if err := run(cmd.Context(), cmd.OutOrStderr(), "go", args...); err != nil {
			cmd.Printf("\n%s: FAILED (%v)\n", cat.title, err)
			r.passed = false
			break
		}
	}
	r.elapsed = time.Since(start)
	if r.passed {
		cmd.Printf("\n%s: PASSED\n", cat.title)
	}
	return r
}

func summary(results []result, elapsed time.Duration) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"CATEGORY", "STATUS", "TIME"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	passed := 0
	for _, r := range results {
		status := "FAILED"
		if r.passed {
			status = "PASSED"
			passed++
		}
		table.Append([]string{r.title, status, r.elapsed.Round(10 * time.Millisecond).String()})
	}
	table.Render()

	fmt.Fprintf(&buf, "\nTotal: %d | Passed: %d | Failed: %d\n", len(results), passed, len(results)-passed)
	fmt.Fprintf(&buf, "Time: %.2fs\n", elapsed.Seconds())
	return buf.String()
}
