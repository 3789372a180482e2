package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/firefart/dmarcforwarder/internal/config"
	"github.com/firefart/dmarcforwarder/internal/dns"
	"github.com/firefart/dmarcforwarder/internal/forwarder"
	"github.com/firefart/dmarcforwarder/internal/imap"
	"github.com/firefart/dmarcforwarder/internal/payload"
	"github.com/firefart/dmarcforwarder/internal/processor"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type app struct {
	logger    *slog.Logger
	charm     *log.Logger
	processor *processor.Processor
	config    *config.Configuration
	devMode   bool
	debug     bool
}

func main() {
	debug := flag.Bool("debug", false, "Print debug output")
	devMode := flag.Bool("devmode", false, "enable dev mode (no delivery, no message delete and goroutine printing)")
	configFile := flag.String("config", "", "Config File to use")
	file := flag.String("file", "", "process a single raw message from this file (- for stdin) and exit")
	flag.Parse()

	charm := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		charm.SetFormatter(log.JSONFormatter)
	}
	if *debug {
		charm.SetLevel(log.DebugLevel)
		charm.SetReportCaller(true)
	}
	logger := slog.New(charm)

	if *configFile == "" {
		logger.Error("please supply a config file")
		os.Exit(1)
	}

	settings, err := config.GetConfig(config.Defaults(), *configFile)
	if err != nil {
		logger.Error("could not read config", slog.String("file", *configFile), slog.Any("err", err))
		os.Exit(1)
	}

	// trap Ctrl+C and call cancel on the context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{
		logger:  logger,
		charm:   charm,
		config:  settings,
		devMode: *devMode,
		debug:   *debug,
	}

	if *file != "" {
		err = a.runFile(ctx, *file)
	} else {
		err = a.run(ctx)
	}
	if err != nil {
		logger.Error("error", slog.Any("err", err))
		os.Exit(1)
	}
}

func (a *app) setup(ctx context.Context) {
	var fwd processor.Forwarder = forwarder.New(a.logger, forwarder.Options{
		Endpoint:   a.config.Endpoint,
		Timeout:    a.config.EndpointTimeout.Duration,
		Retries:    a.config.Retries,
		RetryDelay: a.config.RetryDelay.Duration,
		UserAgent:  a.config.UserAgent,
	})
	if a.devMode {
		fwd = &logForwarder{logger: a.logger}
	}

	opts := processor.Options{
		MaxAttachmentSize: a.config.MaxAttachmentSize,
		MaxDecodedSize:    a.config.MaxDecodedSize,
		MaxXMLDepth:       a.config.MaxXMLDepth,
	}
	if a.config.ResolveSourceIPs {
		opts.Resolver = dns.NewCachedDNSResolver(ctx, a.config.DNSServer, a.config.DNSConnectTimeout.Duration, a.config.DNSTimeout.Duration, a.config.DNSCacheTimeout.Duration, a.logger)
	}

	a.processor = processor.New(a.logger, fwd, opts)
}

func (a *app) runFile(ctx context.Context, name string) error {
	a.setup(ctx)

	f := os.Stdin
	if name != "-" {
		var err error
		f, err = os.Open(name) // nolint: gosec
		if err != nil {
			return fmt.Errorf("could not open %s: %w", name, err)
		}
		defer f.Close()
	}

	resp, err := a.processor.HandleRaw(ctx, f)
	if err != nil {
		return err
	}
	a.logger.Info("message delivered", slog.Bool("success", resp.Success), slog.String("message", resp.Message))
	return nil
}

func (a *app) run(ctx context.Context) error {
	if a.config.ImapConfig.Host == "" {
		return errors.New("no imap host configured")
	}

	a.setup(ctx)

	if a.config.MetricsListen != "" {
		srv := &http.Server{
			Addr:              a.config.MetricsListen,
			ReadHeaderTimeout: 10 * time.Second,
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv.Handler = mux
		go func() {
			a.logger.Info("starting metrics server", slog.String("listen", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", slog.Any("err", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("could not shutdown metrics server", slog.Any("err", err))
			}
		}()
	}

	// print number of goroutines in devmode
	if a.devMode {
		go func() {
			goRoutineTicker := time.NewTicker(3 * time.Second)
			defer goRoutineTicker.Stop()
			for {
				select {
				case <-goRoutineTicker.C:
					a.logger.Debug("goroutines", slog.Int("count", runtime.NumGoroutine()))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// used to start the ticker immediately
	// otherwise it first runs after the first
	// period
	a.logger.Info("starting first run")
	if err := a.imapLoop(ctx); err != nil {
		a.logger.Error("run failed", slog.Any("err", err))
	}
	a.logger.Info("first run finished")

	ticker := time.NewTicker(a.config.FetchInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context done")
			return nil
		case <-ticker.C:
			a.logger.Info("starting new run")
			if err := a.imapLoop(ctx); err != nil {
				// only log the error here so we keep the loop running
				a.logger.Error("run failed", slog.Any("err", err))
			}
			a.logger.Info("run finished")
		}
	}
}

// run in batch sizes as some IMAP servers have pretty
// short timeouts and the imap library does not handle
// reconnects
func (a *app) imapLoop(ctx context.Context) error {
	hasMore := true
	for hasMore {
		a.logger.Debug("starting new imap loop", slog.Int("batch_size", a.config.BatchSize))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			var err error
			hasMore, err = a.fetchIMAP(ctx)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// fetchIMAP handles one batch. Messages are only removed from the mailbox
// once their payload was delivered. Messages that can never be delivered
// are flagged and skipped from then on, other failures stay for the next
// run.
func (a *app) fetchIMAP(ctx context.Context) (bool, error) {
	imapConf := a.config.ImapConfig
	c, err := imap.Connect(imapConf, a.charm.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}))
	if err != nil {
		return false, fmt.Errorf("could not connect to %s: %w", imapConf.Host, err)
	}

	a.logger.Debug("connected to imap server")

	// also log IMAP messages in debug mode
	if a.debug {
		c.SetDebug(a.charm.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer())
	}

	if err := c.Login(imapConf.User, imapConf.Pass); err != nil {
		return false, fmt.Errorf("could not login: %w", err)
	}

	a.logger.Debug("successful login")

	defer func() {
		if err := c.Logout(); err != nil {
			a.logger.Error("error on logout", slog.Any("err", err))
		}
	}()

	hasFolder, err := imap.HasImapFolder(c, imapConf.Folder)
	if err != nil {
		return false, fmt.Errorf("could not check if folder %s exists: %w", imapConf.Folder, err)
	}

	if !hasFolder {
		return false, fmt.Errorf("imap folder %s not found in account", imapConf.Folder)
	}

	mbox, err := c.Select(imapConf.Folder, false)
	if err != nil {
		return false, fmt.Errorf("could not select folder %s: %w", imapConf.Folder, err)
	}

	a.logger.Info("opened mailbox", slog.String("name", mbox.Name), slog.Int("messages", int(mbox.Messages)), slog.Int("unseen", int(mbox.Unseen)))

	messages, hasMore, err := imap.FetchBatch(c, a.config.BatchSize)
	if err != nil {
		return false, err
	}

	var result *multierror.Error
	var toDelete, toFlag []imap.Message
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		a.logger.Info("processing email", slog.String("subject", msg.Subject), slog.Uint64("uid", uint64(msg.UID)))
		resp, err := a.processor.HandleRaw(ctx, bytes.NewReader(msg.Body))
		if err != nil {
			if processor.Permanent(err) {
				a.logger.Error("message can not be delivered", slog.Uint64("uid", uint64(msg.UID)), slog.Any("err", err))
				toFlag = append(toFlag, msg)
				continue
			}
			result = multierror.Append(result, fmt.Errorf("message %d: %w", msg.UID, err))
			continue
		}
		a.logger.Debug("message delivered", slog.Uint64("uid", uint64(msg.UID)), slog.Bool("success", resp.Success))
		toDelete = append(toDelete, msg)
	}

	if !a.devMode {
		// a message left unflagged would be fetched again in the same run
		for _, msg := range toFlag {
			a.logger.Info("marking message as failed", slog.String("subject", msg.Subject), slog.Uint64("uid", uint64(msg.UID)))
			if err := imap.MarkMessageAsFailed(c, msg.UID); err != nil {
				result = multierror.Append(result, fmt.Errorf("could not set failed flag on message %d: %w", msg.UID, err))
			}
		}

		if len(toDelete) > 0 {
			for _, msg := range toDelete {
				a.logger.Info("marking message as deleted", slog.String("subject", msg.Subject), slog.Uint64("uid", uint64(msg.UID)))
				if err := imap.MarkMessageAsDeleted(c, msg.UID); err != nil {
					result = multierror.Append(result, fmt.Errorf("could not set delete flag on message %d: %w", msg.UID, err))
				}
			}

			a.logger.Info("running expunge command (delete all marked messages)")
			if err := c.Expunge(nil); err != nil {
				return false, fmt.Errorf("could not expunge: %w", err)
			}
		}
	}

	a.logger.Info("processed emails", slog.Int("count", len(messages)), slog.Int("delivered", len(toDelete)), slog.Int("failed", len(toFlag)))

	// retryable failures would be fetched again, retry them on the next run
	if err := result.ErrorOrNil(); err != nil {
		return false, err
	}
	// without deletion the same batch would be fetched over and over
	if a.devMode {
		return false, nil
	}
	return hasMore, nil
}

// logForwarder replaces delivery in dev mode.
type logForwarder struct {
	logger *slog.Logger
}

func (f *logForwarder) Forward(_ context.Context, p *payload.Payload) (*forwarder.Response, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	f.logger.Debug("payload", slog.String("json", string(b)))
	return &forwarder.Response{Success: true, Message: "dev mode"}, nil
}
