package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/trackrecon/internal/config"
	"github.com/banshee-data/trackrecon/internal/export"
	"github.com/banshee-data/trackrecon/internal/monitoring"
	"github.com/banshee-data/trackrecon/internal/reconstruct"
	"github.com/banshee-data/trackrecon/internal/scheduler"
	"github.com/banshee-data/trackrecon/internal/seedstore"
	"github.com/banshee-data/trackrecon/internal/track"
	"github.com/banshee-data/trackrecon/internal/units"
	"github.com/banshee-data/trackrecon/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to reconstruction config (.json, .yaml or .yml); defaults apply when empty")
	inputFile   = flag.String("input", "", "Measurement CSV file")
	outputFile  = flag.String("output", "tracks.geojson", "GeoJSON output file")
	outputDir   = flag.String("output-dir", "", "Write one GeoJSON file per target into this directory instead of -output")
	workers     = flag.Int("workers", 0, "Parallel targets (0 uses the config value or the CPU count)")
	seedDB      = flag.String("seed-db", "", "SQLite seed database; enables slice seeding")
	runID       = flag.String("run-id", "", "Id under which this run's seeds are saved (default: new uuid)")
	resumeRun   = flag.String("resume-run", "", "Run id whose seeds continue the tracks of this slice")
	sliceBegin  = flag.String("slice-begin", "", "RFC 3339 start of this slice, required with -resume-run")
	overlap     = flag.Duration("overlap", 60*time.Second, "Overlap between consecutive slices")
	points      = flag.Bool("points", false, "Add a point feature per reference")
	speedUnits  = flag.String("speed-units", units.MPS, "Speed units in the output: "+units.GetValidUnitsString())
	timezone    = flag.String("timezone", "UTC", "Time zone of output timestamps")
	indent      = flag.Bool("indent", false, "Indent the GeoJSON output")
	logFile     = flag.String("log-file", "", "Write logs to this rotating file instead of stderr")
	listSeeds   = flag.String("list-seeds", "", "Print the seeds stored under this run id in -seed-db and exit")
	deleteRun   = flag.String("delete-run", "", "Remove this run id and its seeds from -seed-db and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var logf = monitoring.Component("reconstruct")

// runOptions is the validated form of the command line.
type runOptions struct {
	ConfigFile string
	InputFile  string
	OutputFile string
	OutputDir  string
	Workers    int
	SeedDB     string
	RunID      string
	ResumeRun  string
	SliceBegin time.Time
	Overlap    time.Duration
	Export     export.Options
}

func optionsFromFlags() (runOptions, error) {
	opts := runOptions{
		ConfigFile: *configFile,
		InputFile:  *inputFile,
		OutputFile: *outputFile,
		OutputDir:  *outputDir,
		Workers:    *workers,
		SeedDB:     *seedDB,
		RunID:      *runID,
		ResumeRun:  *resumeRun,
		Overlap:    *overlap,
		Export: export.Options{
			Points:     *points,
			SpeedUnits: *speedUnits,
			Indent:     *indent,
		},
	}

	if opts.InputFile == "" {
		return opts, fmt.Errorf("-input is required")
	}
	if !units.IsValid(opts.Export.SpeedUnits) {
		return opts, fmt.Errorf("invalid -speed-units %q, want one of %s", opts.Export.SpeedUnits, units.GetValidUnitsString())
	}
	loc, err := units.LoadTimezone(*timezone)
	if err != nil {
		return opts, fmt.Errorf("invalid -timezone: %w", err)
	}
	opts.Export.Location = loc
	if opts.Overlap < 0 {
		return opts, fmt.Errorf("-overlap must not be negative")
	}
	if opts.ResumeRun != "" {
		if opts.SeedDB == "" {
			return opts, fmt.Errorf("-resume-run requires -seed-db")
		}
		if *sliceBegin == "" {
			return opts, fmt.Errorf("-resume-run requires -slice-begin")
		}
		opts.SliceBegin, err = time.Parse(time.RFC3339Nano, *sliceBegin)
		if err != nil {
			return opts, fmt.Errorf("invalid -slice-begin: %w", err)
		}
	}
	if opts.SeedDB != "" && opts.RunID == "" {
		opts.RunID = seedstore.NewRunID()
	}
	return opts, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("reconstruct", version.String())
		return
	}

	if *logFile != "" {
		closer := monitoring.NewRotatingLogger(monitoring.DefaultFileConfig(*logFile))
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listSeeds != "" || *deleteRun != "" {
		if err := manageSeeds(ctx, os.Stdout, *seedDB, *listSeeds, *deleteRun); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	opts, err := optionsFromFlags()
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(ctx, opts); err != nil {
		logf("reconstruction failed: %v", err)
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, opts runOptions) error {
	cfg := config.EmptyReconstructConfig()
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadReconstructConfig(opts.ConfigFile); err != nil {
			return err
		}
	}
	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	nWorkers := opts.Workers
	if nWorkers <= 0 {
		nWorkers = cfg.GetWorkers()
	}

	byTarget, err := readMeasurements(opts.InputFile)
	if err != nil {
		return err
	}

	var store *seedstore.Store
	if opts.SeedDB != "" {
		if store, err = seedstore.Open(opts.SeedDB); err != nil {
			return err
		}
		defer store.Close()
	}

	targets, err := buildTargets(ctx, byTarget, store, opts)
	if err != nil {
		return err
	}
	logf("%d targets from %s, %d workers", len(targets), opts.InputFile, nWorkers)

	out, err := scheduler.Run(ctx, settings, targets, scheduler.Options{Workers: nWorkers})
	if err != nil {
		return err
	}
	if failed := out.Failed(); len(failed) > 0 {
		logf("%d of %d targets failed", len(failed), len(out.Targets))
	}

	results := make([]reconstruct.Result, 0, len(out.Targets))
	for _, t := range out.Targets {
		results = append(results, t.Result)
	}
	if err := writeOutput(results, opts); err != nil {
		return err
	}

	if store != nil {
		saved, err := saveSeeds(ctx, store, out.Targets, opts)
		if err != nil {
			return err
		}
		logf("saved %d seeds under run %s", saved, opts.RunID)
	}

	logf("done: %d references, %.1f km", out.Summary.References, out.Summary.PathLength/1000)
	return nil
}

// manageSeeds lists and deletes stored runs without reconstructing. A
// delete runs after the listing, so both can be combined to review a run
// before dropping it.
func manageSeeds(ctx context.Context, w io.Writer, dbPath, listRun, dropRun string) error {
	if dbPath == "" {
		return fmt.Errorf("-list-seeds and -delete-run require -seed-db")
	}
	store, err := seedstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if listRun != "" {
		infos, err := store.ListTargets(ctx, listRun)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TARGET\tUPDATES\tLAST")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", info.TargetID, info.UpdateCount, info.LastTime.Format(time.RFC3339Nano))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		logf("run %s holds %d seeds", listRun, len(infos))
	}

	if dropRun != "" {
		if err := store.DeleteRun(ctx, dropRun); err != nil {
			return err
		}
		logf("deleted run %s", dropRun)
	}
	return nil
}

func readMeasurements(path string) (map[string][]track.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return track.ReadCSV(f)
}

// buildTargets groups measurements into scheduler targets, attaching the
// seeds of a resumed run.
func buildTargets(ctx context.Context, byTarget map[string][]track.Measurement, store *seedstore.Store, opts runOptions) ([]scheduler.Target, error) {
	ids := make([]string, 0, len(byTarget))
	for id := range byTarget {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	targets := make([]scheduler.Target, 0, len(ids))
	for _, id := range ids {
		t := scheduler.Target{ID: id, Measurements: byTarget[id]}
		if store != nil && opts.ResumeRun != "" {
			seed, ok, err := store.LoadSeed(ctx, opts.ResumeRun, id)
			if err != nil {
				return nil, err
			}
			if ok {
				t.Slice = reconstruct.Slice{
					Begin:        opts.SliceBegin,
					RemoveBefore: opts.SliceBegin.Add(-opts.Overlap),
					Retained:     seed,
				}
			}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func writeOutput(results []reconstruct.Result, opts runOptions) error {
	if opts.OutputDir != "" {
		paths, err := export.WriteTargets(opts.OutputDir, results, opts.Export)
		if err != nil {
			return err
		}
		logf("wrote %d files to %s", len(paths), opts.OutputDir)
		return nil
	}
	if err := export.WriteFile(opts.OutputFile, results, opts.Export); err != nil {
		return err
	}
	logf("wrote %s", opts.OutputFile)
	return nil
}

// saveSeeds stores the overlap tail of every target's updates so that the
// next slice can resume from it.
func saveSeeds(ctx context.Context, store *seedstore.Store, targets []scheduler.TargetResult, opts runOptions) (int, error) {
	if err := store.CreateRun(ctx, opts.RunID, "slice from "+opts.InputFile); err != nil {
		return 0, err
	}
	var saved int
	for _, t := range targets {
		if t.Err != nil && !errors.Is(t.Err, reconstruct.ErrNoMeasurements) {
			continue
		}
		tail := seedstore.Tail(t.Updates, opts.Overlap)
		if len(tail) == 0 {
			continue
		}
		if err := store.SaveSeed(ctx, opts.RunID, t.TargetID, tail); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}
