// Package main provides trustctl, a command-line tool for inspecting and
// editing an identity trust store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore"
	"github.com/opd-ai/trustcore/config"
	"github.com/opd-ai/trustcore/identity"
	"github.com/opd-ai/trustcore/keycodec"
	"github.com/opd-ai/trustcore/recipient"
)

var errUsage = errors.New("usage")

// CLIConfig holds parsed command-line flags.
type CLIConfig struct {
	configPath  string
	metricsAddr string
	timeout     time.Duration
}

func parseCLIFlags(args []string, stderr io.Writer) (*CLIConfig, []string, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet("trustctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (serve command)")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Timeout for one-shot commands")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "trustctl - identity trust store tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  trustctl [options] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  lookup <address>")
	fmt.Fprintln(w, "  save <address> <key-base64> [DEFAULT|VERIFIED|UNVERIFIED]")
	fmt.Fprintln(w, "  verify <address> <key-base64> <DEFAULT|VERIFIED|UNVERIFIED>")
	fmt.Fprintln(w, "  approve <address> <true|false>")
	fmt.Fprintln(w, "  delete <address>")
	fmt.Fprintln(w, "  attach-secondary <address> <key-base64>")
	fmt.Fprintln(w, "  secondary <address>")
	fmt.Fprintln(w, "  serve")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "trustctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, rest, err := parseCLIFlags(args, stderr)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "missing command")
		return errUsage
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return err
	}
	if cli.metricsAddr != "" {
		cfg.Metrics.ListenAddr = cli.metricsAddr
	}

	tc, err := trustcore.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tc.Close(); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    cerr.Error(),
			}).Error("Failed to close trust store")
		}
	}()

	if rest[0] == "serve" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, tc, stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.timeout)
	defer cancel()
	return execute(ctx, tc, rest, stdout)
}

func execute(ctx context.Context, tc *trustcore.TrustCore, args []string, out io.Writer) error {
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s): %w", cmd, n, errUsage)
		}
		return nil
	}

	switch cmd {
	case "lookup":
		if err := need(1); err != nil {
			return err
		}
		rec, ok, err := tc.Store.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "not found")
			return nil
		}
		printRecord(out, rec)
		return nil

	case "save":
		if err := need(2); err != nil {
			return err
		}
		key, err := keycodec.Decode(args[1])
		if err != nil {
			return err
		}
		status := identity.StatusDefault
		if len(args) > 2 {
			if status, err = identity.ParseVerifiedStatusName(args[2]); err != nil {
				return err
			}
		}
		contact := ensureContact(tc.Directory, args[0])
		_, existed, err := tc.Store.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		err = tc.Store.Save(ctx, identity.TrustRecord{
			Address:        args[0],
			RecipientID:    contact.ID,
			IdentityKey:    key,
			VerifiedStatus: status,
			FirstUse:       !existed,
			Timestamp:      time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "saved")
		return nil

	case "verify":
		if err := need(3); err != nil {
			return err
		}
		key, err := keycodec.Decode(args[1])
		if err != nil {
			return err
		}
		status, err := identity.ParseVerifiedStatusName(args[2])
		if err != nil {
			return err
		}
		contact := ensureContact(tc.Directory, args[0])
		ok, err := tc.Store.SetVerified(ctx, args[0], contact.ID, key, status)
		if err != nil {
			return err
		}
		printOutcome(out, ok, "updated", "key does not match, unchanged")
		return nil

	case "approve":
		if err := need(2); err != nil {
			return err
		}
		approval, err := strconv.ParseBool(args[1])
		if err != nil {
			return err
		}
		contact := ensureContact(tc.Directory, args[0])
		ok, err := tc.Store.SetApproval(ctx, args[0], contact.ID, approval)
		if err != nil {
			return err
		}
		printOutcome(out, ok, "updated", "not found")
		return nil

	case "delete":
		if err := need(1); err != nil {
			return err
		}
		ok, err := tc.Store.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		printOutcome(out, ok, "deleted", "not found")
		return nil

	case "attach-secondary":
		if err := need(2); err != nil {
			return err
		}
		key, err := keycodec.Decode(args[1])
		if err != nil {
			return err
		}
		contact := ensureContact(tc.Directory, args[0])
		ok, err := tc.Store.AttachSecondaryKey(ctx, contact.ID, args[0], key)
		if err != nil {
			return err
		}
		printOutcome(out, ok, "attached", "no identity record, nothing attached")
		return nil

	case "secondary":
		if err := need(1); err != nil {
			return err
		}
		contact := ensureContact(tc.Directory, args[0])
		key, ok, err := tc.Store.SecondaryKeyFor(ctx, contact.ID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "none")
			return nil
		}
		fmt.Fprintln(out, keycodec.Encode(key))
		return nil
	}

	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

// ensureContact registers address as a contact in the process-local
// directory so store operations can resolve it.
func ensureContact(dir *recipient.Directory, address string) recipient.Contact {
	if c, ok := dir.ResolveByAddress(address); ok {
		return c
	}
	var c recipient.Contact
	var err error
	if recipient.IsServiceID(address) {
		c, err = dir.Add(address, "", "")
	} else {
		c, err = dir.Add("", address, "")
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ensureContact",
			"address":  address,
			"error":    err.Error(),
		}).Warn("Cannot register contact")
	}
	return c
}

func printRecord(out io.Writer, rec identity.TrustRecord) {
	fmt.Fprintf(out, "address:   %s\n", rec.Address)
	fmt.Fprintf(out, "key:       %s\n", keycodec.Encode(rec.IdentityKey))
	fmt.Fprintf(out, "status:    %s\n", rec.VerifiedStatus)
	fmt.Fprintf(out, "first_use: %t\n", rec.FirstUse)
	fmt.Fprintf(out, "approved:  %t\n", rec.NonblockingApproval)
	fmt.Fprintf(out, "timestamp: %s\n", time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339))
	if rec.HasSecondaryKey() {
		fmt.Fprintf(out, "secondary: %s\n", keycodec.Encode(rec.SecondaryKey))
	}
}

func printOutcome(out io.Writer, ok bool, yes, no string) {
	if ok {
		fmt.Fprintln(out, yes)
		return
	}
	fmt.Fprintln(out, no)
}

// serve runs background sync, and the metrics endpoint when configured,
// until ctx ends.
func serve(ctx context.Context, tc *trustcore.TrustCore, out io.Writer) error {
	tc.StartSync()

	if addr := tc.Config.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "serve",
					"addr":     addr,
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(out, "serving metrics on %s\n", addr)
	}

	<-ctx.Done()
	return nil
}
