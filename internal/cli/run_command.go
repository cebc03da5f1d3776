package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"cadastral-batch/internal/batch"
	"cadastral-batch/internal/ingest"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/runstore"
)

const heartbeatInterval = 15 * time.Second

func runBatch(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf := addRuntimeFlags(fs)
	download := fs.Bool("download", false, "download every result archive into --output-dir")
	saveReport := fs.Bool("save-report", false, "write a JSON batch report into --output-dir/reports")
	jsonOut := fs.Bool("json", false, "print the batch report as JSON")
	quiet := fs.Bool("quiet", false, "hide progress log lines")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("run requires at least one .txt reference file")
	}

	env, err := loadRuntime(rf)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = env.context(ctx)

	projects, ingestErr := ingest.FromFiles(ctx, paths...)
	if ingestErr != nil && !*jsonOut {
		var merr *multierror.Error
		if errors.As(ingestErr, &merr) {
			for _, e := range merr.Errors {
				fmt.Fprintf(os.Stderr, "skipped: %v\n", e)
			}
		} else {
			fmt.Fprintf(os.Stderr, "skipped: %v\n", ingestErr)
		}
	}
	if len(projects) == 0 {
		if ingestErr == nil {
			return errors.New("no valid reference files")
		}
		return fmt.Errorf("no valid reference files: %w", ingestErr)
	}

	if !*jsonOut {
		fmt.Printf("mode: %s | projects: %d | references: %d\n", env.cfg.Mode, len(projects), ingest.TotalReferences(projects))
	}

	persist := *download || *saveReport
	if persist {
		lock, err := runstore.AcquireOutputLock(env.cfg.OutputDir, "run")
		if err != nil {
			return err
		}
		defer func() {
			_ = lock.Release()
		}()
	}

	printer := newBatchPrinter(os.Stdout, *quiet || *jsonOut)
	orch, err := env.newOrchestrator(printer.Handle)
	if err != nil {
		return err
	}
	if err := orch.AddProjects(projects...); err != nil {
		return err
	}

	printer.Start()
	if err := orch.Start(ctx); err != nil {
		printer.Stop()
		return err
	}
	// Cancelling ctx resolves every open project as interrupted, so the
	// session always reaches results.
	if err := orch.Wait(context.Background()); err != nil {
		printer.Stop()
		return err
	}
	printer.Stop()

	snap := orch.Snapshot()
	report := newBatchReport(env.cfg, snap, time.Now())

	if *download {
		if env.offline() {
			if !*jsonOut {
				fmt.Println("download skipped: offline mode has no backend to fetch archives from")
			}
		} else {
			report.Downloads = downloadOutputs(ctx, env.client, snap.Projects, env.cfg.OutputDir)
		}
	}

	reportPath := ""
	if persist {
		reportPath = runstore.ReportPath(env.cfg.OutputDir, time.Now())
		if err := runstore.WriteJSON(reportPath, report); err != nil {
			return err
		}
	}

	if *jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Println()
		fmt.Println(resultsTable(snap.Projects))
		fmt.Println(totalsLine(snap.Totals))
		for _, d := range report.Downloads {
			if d.Error != "" {
				fmt.Printf("download failed: %s: %s\n", d.Project, d.Error)
				continue
			}
			fmt.Printf("downloaded: %s (%s)\n", d.Path, formatBytesIEC(d.Bytes))
		}
		if reportPath != "" {
			fmt.Println(kv("report", reportPath))
		}
	}

	if ctx.Err() != nil {
		return errors.New("batch interrupted")
	}
	if snap.Totals.Failed > 0 {
		return fmt.Errorf("%d of %d projects failed", snap.Totals.Failed, snap.Totals.Projects)
	}
	return nil
}

// batchPrinter turns orchestrator events into line-oriented progress output.
// A heartbeat line is printed when nothing happened for a while.
type batchPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool

	index    map[string]int
	names    map[string]string
	total    int
	resolved int
	last     time.Time

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newBatchPrinter(out io.Writer, quiet bool) *batchPrinter {
	return &batchPrinter{
		out:      out,
		quiet:    quiet,
		index:    make(map[string]int),
		names:    make(map[string]string),
		last:     time.Now(),
		interval: heartbeatInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *batchPrinter) Start() {
	go func() {
		defer close(p.done)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.heartbeat()
			}
		}
	}()
}

func (p *batchPrinter) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *batchPrinter) heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet || time.Since(p.last) < p.interval {
		return
	}
	fmt.Fprintf(p.out, "... waiting | resolved %d/%d\n", p.resolved, p.total)
}

func (p *batchPrinter) Handle(ev batch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = time.Now()

	switch ev.Kind {
	case batch.EventProject:
		pr := ev.Project
		if _, ok := p.index[pr.ID]; !ok {
			p.total++
			p.index[pr.ID] = p.total
		}
		p.names[pr.ID] = pr.Name
		if p.quiet {
			if pr.IsTerminal() {
				p.resolved++
			}
			return
		}
		pos := fmt.Sprintf("[%d/%d]", p.index[pr.ID], p.total)
		switch pr.Status {
		case model.StatusProcessing:
			if pr.JobID == "" {
				fmt.Fprintf(p.out, "%s start %s (%d refs)\n", pos, pr.Name, len(pr.References))
			}
		case model.StatusCompleted:
			p.resolved++
			url := ""
			if len(pr.Outputs) > 0 && pr.Outputs[0].ResultURL != "" {
				url = " -> " + pr.Outputs[0].ResultURL
			}
			fmt.Fprintf(p.out, "%s done  %s%s\n", pos, pr.Name, url)
		case model.StatusError:
			p.resolved++
			fmt.Fprintf(p.out, "%s fail  %s: %s\n", pos, pr.Name, pr.Error)
		}
	case batch.EventLog:
		if p.quiet {
			return
		}
		e := ev.Entry
		fmt.Fprintf(p.out, "  %s %-7s %s\n", e.Timestamp, strings.ToUpper(string(e.Severity)), e.Message)
	}
}
