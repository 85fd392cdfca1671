// Command gradectl grades one spreadsheet of essays against the grading API from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

type options struct {
	File  string
	Model string
	Out   string
	Limit int
	Base  string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gradectl: %v\n", err)
		os.Exit(1)
	}

	opts := options{Limit: cfg.ResultsDisplayLimit}
	flags := pflag.NewFlagSet("gradectl", pflag.ExitOnError)
	flags.StringVarP(&opts.File, "file", "f", "", "spreadsheet of essays to grade (csv, tsv, xls, xlsx)")
	flags.StringVarP(&opts.Model, "model", "m", "", "grading model (default: first model listed by the API)")
	flags.StringVarP(&opts.Out, "out", "o", "", "directory to save the graded spreadsheet into")
	flags.IntVarP(&opts.Limit, "limit", "n", opts.Limit, "number of result rows to print")
	flags.StringVarP(&opts.Base, "base", "b", cfg.APIBaseURL, "grading API base URL")
	_ = flags.Parse(os.Args[1:])

	level := zerolog.WarnLevel
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && parsed > level {
		level = parsed
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "gradectl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, out io.Writer, logger zerolog.Logger) error {
	if strings.TrimSpace(opts.File) == "" {
		return errors.New("--file is required")
	}

	client, err := gradingapi.New(gradingapi.Config{
		BaseURL:       opts.Base,
		Timeout:       cfg.APITimeout,
		UploadTimeout: cfg.UploadTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	workflow := service.NewGradingWorkflow(service.WorkflowDependencies{
		Uploads:   service.NewUploadService(client, cfg.MaxUploadMB, logger),
		Catalog:   service.NewModelService(client, nil, 0, logger),
		Submitter: client,
		Poller: service.NewPoller(client, service.PollerConfig{
			Interval:  cfg.PollInterval,
			Timeout:   cfg.PollTimeout,
			MaxErrors: cfg.PollMaxErrors,
		}, logger),
		Results:      service.NewResultService(client, logger),
		Reports:      service.NewReportService(cfg.ScoreScale),
		Downloads:    service.NewDownloadService(client, nil, logger),
		DisplayLimit: opts.Limit,
	}, logger)
	defer workflow.Close()

	events, unsubscribe := workflow.Subscribe()
	defer unsubscribe()

	file, err := uploadFile(ctx, workflow, opts.File)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "uploaded %s: %d rows, columns %s\n", file.Name, file.RowCount, strings.Join(file.Columns, ", "))
	if !file.HasResponseColumn {
		return service.ErrResponseColumnMissing
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		descriptors, err := workflow.Models(ctx)
		if err != nil {
			return err
		}
		if len(descriptors) == 0 {
			return errors.New("the grading API lists no models; pass --model")
		}
		model = descriptors[0].Name
	}

	job, err := workflow.Submit(ctx, model)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "grading job %s started with %s\n", job.ID, model)

	state, err := waitForOutcome(ctx, workflow, events, out)
	if err != nil {
		return err
	}

	if state.Job.State != string(models.JobStateComplete) {
		return fmt.Errorf("grading job %s %s: %s", state.Job.ID, state.Job.State, state.Job.Failure)
	}
	if state.LastError != nil && state.LastError.Kind == "results" {
		return errors.New(state.LastError.Message)
	}

	results, err := workflow.Results(opts.Limit)
	if err != nil {
		return err
	}
	printResults(out, results)

	if report, err := workflow.Report(); err == nil {
		fmt.Fprintf(out, "average %.1f, highest %.1f, lowest %.1f\n", report.AverageScore, report.HighestScore, report.LowestScore)
	}

	if opts.Out != "" {
		path, err := workflow.SaveOutput(ctx, opts.Out)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s\n", path)
	} else if state.Job.DownloadURL != "" {
		fmt.Fprintf(out, "download %s\n", state.Job.DownloadURL)
	}

	return nil
}

func uploadFile(ctx context.Context, workflow service.GradingWorkflow, path string) (models.UploadedFile, error) {
	handle, err := os.Open(path)
	if err != nil {
		return models.UploadedFile{}, err
	}
	defer handle.Close()

	info, err := handle.Stat()
	if err != nil {
		return models.UploadedFile{}, err
	}

	return workflow.Upload(ctx, service.UploadInput{Name: info.Name(), Size: info.Size(), Reader: handle})
}

// waitForOutcome blocks until the job is terminal and, for a completed job, its results were fetched
// or failed to fetch. The state is also sampled on a ticker since slow subscribers may miss events.
func waitForOutcome(ctx context.Context, workflow service.GradingWorkflow, events <-chan dto.WorkflowEventResponse, out io.Writer) (dto.WorkflowStateResponse, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPercent := -1
	for {
		state := workflow.State()
		if settled(state) {
			return state, nil
		}

		select {
		case <-ctx.Done():
			if _, err := workflow.Cancel(context.Background()); err == nil {
				fmt.Fprintln(out, "grading cancelled")
			}
			return state, ctx.Err()
		case event, ok := <-events:
			if !ok {
				return workflow.State(), errors.New("event stream closed")
			}
			if event.Type == service.EventResultsFetched || event.Type == service.EventResultsFailed {
				return workflow.State(), nil
			}
			if event.Type == service.EventJobProgress && event.State.Job != nil && event.State.Job.Percent != lastPercent {
				lastPercent = event.State.Job.Percent
				fmt.Fprintf(out, "progress %d/%d (%d%%)\n", event.State.Job.Processed, event.State.Job.Total, lastPercent)
			}
		case <-ticker.C:
		}
	}
}

func settled(state dto.WorkflowStateResponse) bool {
	if state.Job == nil || state.Job.IsGenerating {
		return false
	}
	if !state.Job.IsComplete {
		return true
	}
	return state.ResultsFetched || (state.LastError != nil && state.LastError.Kind == "results")
}

func printResults(out io.Writer, results dto.ResultsResponse) {
	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "STUDENT\tC1\tC2\tC3\tC4\tTOTAL")
	for _, row := range results.Rows {
		scores := make([]string, 0, len(row.Criteria))
		for _, criterion := range row.Criteria {
			scores = append(scores, fmt.Sprintf("%g", criterion.Score))
		}
		fmt.Fprintf(table, "%s\t%s\t%g\n", row.StudentID, strings.Join(scores, "\t"), row.TotalScore)
	}
	_ = table.Flush()
	fmt.Fprintf(out, "showing %d of %d graded rows\n", len(results.Rows), results.Total)
}
