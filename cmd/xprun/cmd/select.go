package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

// runLister is the part of the run store the selection menu needs.
type runLister interface {
	List(ctx context.Context) ([]core.RunSummary, error)
}

// resolveRunID returns the id given on the command line or, when omitted,
// asks the user to pick one from a numbered menu.
func resolveRunID(cmd *cobra.Command, store runLister, args []string) (core.RunID, error) {
	if len(args) > 0 {
		return core.RunID(args[0]), nil
	}

	runs, err := store.List(cmd.Context())
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs registered (see 'xprun register')")
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("run id required")
	}
	return promptRun(in, cmd.ErrOrStderr(), runs)
}

func promptRun(in io.Reader, out io.Writer, runs []core.RunSummary) (core.RunID, error) {
	for i, r := range runs {
		fmt.Fprintf(out, "  %2d) %-24s %s  %s\n", i+1, r.Name, r.ID, humanize.Time(r.Timestamp))
	}
	fmt.Fprint(out, "Select a run (number or name): ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading selection: %w", err)
	}
	return matchRun(strings.TrimSpace(line), runs)
}

// matchRun resolves a menu answer: a 1-based index, an exact run id, or a
// fuzzy match against run names (best score wins).
func matchRun(input string, runs []core.RunSummary) (core.RunID, error) {
	if input == "" {
		return "", errors.New("no run selected")
	}
	if n, err := strconv.Atoi(input); err == nil {
		if n < 1 || n > len(runs) {
			return "", fmt.Errorf("selection %d out of range (1-%d)", n, len(runs))
		}
		return runs[n-1].ID, nil
	}
	for _, r := range runs {
		if string(r.ID) == input {
			return r.ID, nil
		}
	}

	names := make([]string, len(runs))
	for i, r := range runs {
		names[i] = r.Name
	}
	matches := fuzzy.Find(input, names)
	if len(matches) == 0 {
		return "", fmt.Errorf("no run matches %q", input)
	}
	return runs[matches[0].Index].ID, nil
}
