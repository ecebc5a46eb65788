package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/closingbrace/backupbrace/pkg/buildinfo"
	"github.com/closingbrace/backupbrace/pkg/config"
	"github.com/closingbrace/backupbrace/pkg/engine"
	"github.com/closingbrace/backupbrace/pkg/pathsync"
	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/snapshot"
)

// Exit codes. A fatal error means nothing was processed; a set failure
// means the run completed but at least one set did not succeed, and the
// log reports which.
const (
	exitOK         = 0
	exitSetFailure = 1
	exitFatal      = 2
)

var (
	configPath string
	confFormat bool
	version    bool
)

func init() {
	flag.StringVar(&configPath, "config", config.DefaultPath, "the backup's configuration file")
	flag.StringVar(&configPath, "c", config.DefaultPath, "shorthand for -config")
	flag.BoolVar(&confFormat, "conf-format", false, "show help about the configuration file format and exit")
	flag.BoolVar(&confFormat, "f", false, "shorthand for -conf-format")
	flag.BoolVar(&version, "version", false, "print the program version and exit")
	flag.BoolVar(&version, "v", false, "shorthand for -version")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
		fmt.Fprintf(flag.CommandLine.Output(), "Make a backup of the system.\n\n")
		flag.PrintDefaults()
	}
}

// run executes the program and returns the process exit code.
func run(ctx context.Context) int {
	if version {
		fmt.Printf("%s v%s\n", buildinfo.Name, buildinfo.Version)
		return exitOK
	}
	if confFormat {
		fmt.Println(config.FormatHelp())
		return exitOK
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())

	cfg, err := config.Load(configPath)
	if err != nil {
		plog.Error("Backup incomplete due to error", "error", err)
		return exitFatal
	}
	if err := cfg.Validate(); err != nil {
		plog.Error("Backup incomplete due to error", "error", err)
		return exitFatal
	}
	cfg.LogSummary()

	runner := engine.NewRunner(snapshot.NewCloner(), pathsync.NewRsyncExecutor())

	startTime := time.Now()
	result, err := runner.Execute(ctx, cfg)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		plog.Error("Backup aborted", "error", err)
		return exitFatal
	}
	if !result.Succeeded() {
		plog.Error("Backup finished with failures", "run", result.RunDir, "duration", duration)
		return exitSetFailure
	}
	plog.Info(buildinfo.Name+" finished successfully", "run", result.RunDir, "duration", duration)
	return exitOK
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An interrupt stops further set processing; sets already completed
	// stay valid and a set caught mid-sync is recorded as failed.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Warn("Interrupt received, stopping")
		cancel()
	}()

	flag.Parse()
	os.Exit(run(ctx))
}
