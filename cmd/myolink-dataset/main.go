// Command myolink-dataset inspects recorded datasets and the session
// catalog: session listing from the SQLite index, per-dataset statistics,
// and structural integrity checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/myolink/myolink/internal/catalog"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		return 2
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "sessions":
		return runSessions(args)
	case "info":
		return runInfo(args)
	case "check":
		return runCheck(args)
	case "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "myolink-dataset: unknown command %q\n\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: myolink-dataset <command> [flags] [args]

Inspect recorded EMG datasets and the session catalog.

Commands:
  sessions   list recorded sessions from the catalog index
  info       print statistics for one dataset
  check      verify a dataset's structural integrity

info and check take a session directory or a dataset file:

  myolink-dataset sessions -root data
  myolink-dataset info data/alice/<session-id>
  myolink-dataset check data/alice/<session-id>/signal.csv

Run "myolink-dataset <command> -h" for command flags.
`)
}

// ── sessions ──────────────────────────────────────────────────────────────────

func runSessions(args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	root := fs.String("root", "data", "storage root directory")
	index := fs.String("catalog", "", "index database path (default <root>/"+catalog.IndexFile+")")
	subject := fs.String("subject", "", "only list sessions for this subject")
	fs.Parse(args)

	// Catalog.Open creates missing roots, which a read-only tool must not.
	if _, err := os.Stat(*root); err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: storage root %q: %v\n", *root, err)
		return 1
	}
	var opts []catalog.Option
	if *index != "" {
		opts = append(opts, catalog.WithIndexFile(*index))
	}
	cat, err := catalog.Open(*root, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}
	defer cat.Close()

	sessions, err := cat.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tLABEL\tSTARTED\tDURATION\tRECORDS\tLATE\tTRANSITIONS")
	n := 0
	for _, s := range sessions {
		if *subject != "" && s.Subject != *subject {
			continue
		}
		n++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			shortID(s.ID),
			s.Subject,
			s.Label,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			formatSpan(s.StartedAt, s.EndedAt),
			s.Records,
			s.Late,
			s.LabelTransitions,
		)
	}
	w.Flush()
	if n == 0 {
		fmt.Println("no sessions recorded")
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatSpan(started, ended time.Time) string {
	if ended.IsZero() {
		return "running"
	}
	return ended.Sub(started).Round(time.Second / 10).String()
}

// ── info ──────────────────────────────────────────────────────────────────────

func runInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: myolink-dataset info <session-dir|dataset.csv>")
		return 2
	}

	csvPath, dir, err := resolveDataset(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}
	st, err := collectStats(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}

	fmt.Printf("dataset: %s\n", csvPath)
	if sess, err := catalog.ReadSidecar(dir); err == nil {
		fmt.Printf("  %-14s %s\n", "session:", sess.ID)
		fmt.Printf("  %-14s %s\n", "subject:", sess.Subject)
		if sess.Label != "" {
			fmt.Printf("  %-14s %s\n", "session label:", sess.Label)
		}
		fmt.Printf("  %-14s %s\n", "started:", sess.StartedAt.Format(time.RFC3339))
		if sess.EndedAt.IsZero() {
			fmt.Printf("  %-14s still recording\n", "ended:")
		} else {
			fmt.Printf("  %-14s %s\n", "ended:", sess.EndedAt.Format(time.RFC3339))
		}
		printStats(st, sess.SampleRateHz)
		if !sess.EndedAt.IsZero() && sess.Records != st.Records {
			fmt.Printf("  note: index says %d records, dataset has %d; run check\n",
				sess.Records, st.Records)
		}
		return 0
	}
	printStats(st, 0)
	return 0
}

func printStats(st *stats, nominalHz int) {
	fmt.Printf("  %-14s %d\n", "records:", st.Records)
	if st.Records < 2 {
		fmt.Println("  not enough samples to measure duration or rate")
	} else {
		fmt.Printf("  %-14s %.2f s\n", "duration:", st.Duration().Seconds())
		if nominalHz > 0 {
			fmt.Printf("  %-14s %.1f Hz (nominal %d)\n", "measured rate:", st.RateHz(), nominalHz)
		} else {
			fmt.Printf("  %-14s %.1f Hz\n", "measured rate:", st.RateHz())
		}
		fmt.Printf("  %-14s [%d, %d]\n", "amplitude:", st.MinValue, st.MaxValue)
	}
	fmt.Printf("  %-14s rest %d, active %d\n", "labels:", st.Rest, st.Active)
	fmt.Printf("  %-14s %d\n", "transitions:", st.Transitions)
	fmt.Printf("  %-14s %d\n", "mislabeled:", st.Mislabeled)
}

// ── check ─────────────────────────────────────────────────────────────────────

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: myolink-dataset check <session-dir|dataset.csv>")
		return 2
	}

	csvPath, dir, err := resolveDataset(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}
	res, err := checkDataset(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "myolink-dataset: %v\n", err)
		return 1
	}

	fmt.Printf("checking %s\n", csvPath)
	fmt.Printf("  %-14s %d\n", "records:", res.Records)
	fmt.Printf("  %-14s %d\n", "corrupt:", res.Corrupt)
	fmt.Printf("  %-14s %d\n", "out of order:", res.OutOfOrder)
	fmt.Printf("  %-14s %d (late arrivals, flagged)\n", "mislabeled:", res.Mislabeled)

	indexOK := true
	if sess, err := catalog.ReadSidecar(dir); err == nil && !sess.EndedAt.IsZero() {
		if sess.Records == res.Records {
			fmt.Printf("  %-14s records match (%d)\n", "index:", res.Records)
		} else {
			indexOK = false
			fmt.Printf("  %-14s says %d records, dataset has %d\n", "index:", sess.Records, res.Records)
		}
	}
	for _, p := range res.Problems {
		fmt.Printf("  %s\n", p)
	}

	if !res.OK() || !indexOK {
		fmt.Println("check failed")
		return 1
	}
	fmt.Println("ok")
	return 0
}
