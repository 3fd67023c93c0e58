// malaria_runs lists the training runs tracked in the SQLite store, and details one run: its
// hyperparameters, final summary and the history of its metrics.
//
//	$ malaria_runs -db=~/work/malaria/runs.db
//	$ malaria_runs -db=~/work/malaria/runs.db -run=<run id> -metrics=mean_loss_on_valid-eval
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/malaria/report"
	"github.com/gomlx/malaria/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDB      = flag.String("db", "~/work/malaria/"+tracking.DefaultSQLiteFile, "SQLite tracking store to read from.")
	flagRun     = flag.String("run", "", "Id (or unique prefix) of the run to detail. If empty, all runs are listed.")
	flagParams  = flag.Bool("params", true, "When detailing a run, list its hyperparameters.")
	flagMetrics = flag.String("metrics", "", "Comma-separated list of metric keys whose history to list, when detailing a run. "+
		"Use \"all\" for every metric logged.")
	flagLimit = flag.Int("limit", 0, "Maximum number of runs to list, the most recent first. 0 lists all.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	store, err := tracking.OpenSQLiteTracker(*flagDB)
	if err != nil {
		klog.Fatalf("Failed to open tracking store: %+v", err)
	}
	defer func() { _ = store.Close() }()

	if *flagRun == "" {
		err = listRuns(store)
	} else {
		err = detailRun(store, *flagRun)
	}
	if err != nil {
		klog.Errorf("Failed with error: %+v", err)
		os.Exit(1)
	}
}

func listRuns(store *tracking.SQLiteTracker) error {
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	if *flagLimit > 0 && len(runs) > *flagLimit {
		runs = runs[:*flagLimit]
	}
	table := report.NewTable(lipgloss.Left, lipgloss.Left, lipgloss.Center, lipgloss.Right)
	table.Headers("Run", "Name", "Status", "Started", "Duration", "Test AUC", "Test Accuracy")
	for _, run := range runs {
		summary, err := store.Summary(run.ID)
		if err != nil {
			return err
		}
		table.Row(run.ID, run.Name, string(run.Status), humanize.Time(run.StartTime), runDuration(run),
			summaryValue(summary, "test_auc"), summaryValue(summary, "test_accuracy"))
	}
	fmt.Println(report.TitleStyle.Render(fmt.Sprintf("Runs in %s", store.FilePath())))
	fmt.Println(table.Render())
	return nil
}

func runDuration(run tracking.Run) string {
	if run.EndTime.IsZero() {
		return "-"
	}
	return run.EndTime.Sub(run.StartTime).Round(time.Second).String()
}

func summaryValue(summary map[string]float64, key string) string {
	value, found := summary[key]
	if !found {
		return "-"
	}
	return fmt.Sprintf("%.4f", value)
}

// findRun by id or unique id prefix.
func findRun(store *tracking.SQLiteTracker, idOrPrefix string) (tracking.Run, error) {
	runs, err := store.ListRuns()
	if err != nil {
		return tracking.Run{}, err
	}
	var matches []tracking.Run
	for _, run := range runs {
		if run.ID == idOrPrefix {
			return run, nil
		}
		if strings.HasPrefix(run.ID, idOrPrefix) {
			matches = append(matches, run)
		}
	}
	switch len(matches) {
	case 0:
		return tracking.Run{}, errors.Errorf("run %q not found", idOrPrefix)
	case 1:
		return matches[0], nil
	}
	return tracking.Run{}, errors.Errorf("run prefix %q is ambiguous, it matches %d runs", idOrPrefix, len(matches))
}

func detailRun(store *tracking.SQLiteTracker, idOrPrefix string) error {
	run, err := findRun(store, idOrPrefix)
	if err != nil {
		return err
	}
	fmt.Println(report.TitleStyle.Render(fmt.Sprintf("Run %s (%s): %s", run.Name, run.ID, run.Status)))

	if *flagParams {
		params, err := store.Params(run.ID)
		if err != nil {
			return err
		}
		fmt.Println(report.SprintParams(params))
	}

	summary, err := store.Summary(run.ID)
	if err != nil {
		return err
	}
	if len(summary) > 0 {
		table := report.NewTable(lipgloss.Left, lipgloss.Right)
		table.Headers("Summary", "Value")
		for _, key := range sortedKeys(summary) {
			table.Row(key, strconv.FormatFloat(summary[key], 'g', 6, 64))
		}
		fmt.Println(table.Render())
	}

	if *flagMetrics == "" {
		return nil
	}
	keys, err := store.MetricKeys(run.ID)
	if err != nil {
		return err
	}
	if *flagMetrics != "all" {
		requested := strings.Split(*flagMetrics, ",")
		keys = slices.DeleteFunc(keys, func(key string) bool { return !slices.Contains(requested, key) })
	}
	for _, key := range keys {
		points, err := store.Metrics(run.ID, key)
		if err != nil {
			return err
		}
		table := report.NewTable(lipgloss.Right)
		table.Headers("Step", key)
		for _, point := range points {
			table.Row(humanize.Comma(point.Step), strconv.FormatFloat(point.Value, 'g', 6, 64))
		}
		fmt.Println(table.Render())
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
