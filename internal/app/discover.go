package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"whale-mirror/internal/discovery"
)

// DiscoverOptions configure a one-shot discovery run.
type DiscoverOptions struct {
	Modes      []string
	NoAdaptive bool
	Rounds     int
}

// Discover runs discovery rounds in the foreground and prints their summaries.
func (a *App) Discover(ctx context.Context, opts DiscoverOptions) error {
	if err := a.Config.ValidateRuntime(); err != nil {
		return err
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 1
	}

	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	profiles, err := a.profiles(opts.Modes)
	if err != nil {
		return err
	}
	coord := a.coordinatorFor(c, a.coordinatorOptions(profiles, !opts.NoAdaptive))

	failed := 0
	for i := 0; i < opts.Rounds; i++ {
		summary, err := coord.RunRound(ctx)
		printRound(os.Stdout, summary)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			a.Logger.Error().Err(err).Int("round", i+1).Msg("discovery round failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d discovery rounds failed", failed, opts.Rounds)
	}
	return nil
}

func printRound(out io.Writer, s discovery.RoundSummary) {
	fmt.Fprintf(out, "round %s started %s took %s (validated=%t)\n",
		s.ID, s.StartedAt.Format(time.RFC3339), s.Duration.Round(time.Millisecond), s.Validated)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Mode\tCandidates\tValidated\tRejected\tSkipped\tBlocks\tFailed\tActivity\tProfit\tDuration\tError")
	for _, m := range s.Modes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.2f\t%.4f\t%s\t%s\n",
			m.Mode, m.Candidates, m.Validated, m.Rejected, m.Skipped,
			m.BlocksProcessed, m.BlocksFailed, m.ActivityThreshold, m.ProfitThreshold,
			m.Duration.Round(time.Millisecond), sanitizeInline(m.Err))
	}
	w.Flush()
	for _, addr := range s.Accepted {
		fmt.Fprintf(out, "accepted %s\n", addr)
	}
}
