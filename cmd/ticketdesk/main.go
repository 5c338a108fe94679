package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ticketdesk-io/ticketdesk/internal/config"
	"github.com/ticketdesk-io/ticketdesk/internal/database"
	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/ingest"
	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/reader"
	"github.com/ticketdesk-io/ticketdesk/internal/metrics"
	"github.com/ticketdesk-io/ticketdesk/internal/models"
	"github.com/ticketdesk-io/ticketdesk/internal/repository"
	"github.com/ticketdesk-io/ticketdesk/internal/secrets"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ticketdesk",
	Short: "TicketDesk email ingest worker and management tool",
	Long: `TicketDesk turns inbound support mail into helpdesk tickets.

The serve command runs the polling worker; the mail-settings commands
manage the mailbox configuration it polls with.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the email ingest worker",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ticketdesk %s\n", rootCmd.Version)
	},
}

var mailSettingsCmd = &cobra.Command{
	Use:   "mail-settings",
	Short: "Manage the mailbox the worker polls",
}

var mailSettingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored mailbox settings (passwords redacted)",
	RunE:  runMailSettingsShow,
}

var mailSettingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update the mailbox settings",
	RunE:  runMailSettingsSet,
}

var mailSettingsFlags struct {
	enabled     bool
	protocol    string
	pollSeconds int
	target      string
	host        string
	port        int
	tls         bool
	username    string
	password    string
	folder      string
	markAsRead  bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")

	f := mailSettingsSetCmd.Flags()
	f.BoolVar(&mailSettingsFlags.enabled, "enabled", true, "Enable polling")
	f.StringVar(&mailSettingsFlags.protocol, "protocol", "imap", "Mailbox protocol: imap or pop3")
	f.IntVar(&mailSettingsFlags.pollSeconds, "poll-seconds", 30, "Seconds between polls")
	f.StringVar(&mailSettingsFlags.target, "target-address", "", "Only ingest mail addressed to this mailbox (empty accepts all)")
	f.StringVar(&mailSettingsFlags.host, "host", "", "Mail server host")
	f.IntVar(&mailSettingsFlags.port, "port", 0, "Mail server port (0 uses the protocol default)")
	f.BoolVar(&mailSettingsFlags.tls, "tls", true, "Connect over TLS")
	f.StringVar(&mailSettingsFlags.username, "username", "", "Mailbox username")
	f.StringVar(&mailSettingsFlags.password, "password", "", "Mailbox password (stored encrypted)")
	f.StringVar(&mailSettingsFlags.folder, "folder", "INBOX", "IMAP folder to poll")
	f.BoolVar(&mailSettingsFlags.markAsRead, "mark-as-read", true, "Mark handled IMAP messages as read")

	mailSettingsCmd.AddCommand(mailSettingsShowCmd)
	mailSettingsCmd.AddCommand(mailSettingsSetCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mailSettingsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := waitForConfig(ctx, logger)
	if err != nil {
		return err
	}

	db, err := database.Open(databaseOptions(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	protector, err := secrets.NewProtector(cfg.Ingest.SecretKey)
	if err != nil {
		return err
	}

	store := repository.NewIngestStore(db)
	router := reader.NewRouter(
		reader.NewIMAPReader(protector, reader.WithIMAPLogger(logger)),
		reader.NewPOP3Reader(protector, store, reader.WithPOP3Logger(logger)),
	)
	processor := ingest.NewProcessor(store, ingest.WithProcessorLogger(logger))
	orchestrator := ingest.NewOrchestrator(store, router, processor,
		ingest.WithOrchestratorLogger(logger),
	)

	if cfg.Metrics.Enabled {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}

	err = orchestrator.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitForConfig blocks until the installation is configured enough to touch
// the database, re-reading the config file between attempts.
func waitForConfig(ctx context.Context, logger *log.Logger) (*config.Config, error) {
	for {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if cfg.Configured() {
			return cfg, nil
		}
		logger.Printf("serve: waiting for configuration (secret key and database)")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func serveMetrics(logger *log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Printf("metrics: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("metrics: listener stopped: %v", err)
	}
}

func openStore() (*repository.IngestStore, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if !cfg.Configured() {
		return nil, nil, nil, errors.New("installation is not configured: set the ingest secret key and database coordinates")
	}
	db, err := database.Open(databaseOptions(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	return repository.NewIngestStore(db), cfg, func() { db.Close() }, nil
}

func runMailSettingsShow(cmd *cobra.Command, args []string) error {
	store, _, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	st, err := store.LoadSettings(cmd.Context())
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("no mailbox settings stored")
		return nil
	}

	fmt.Printf("enabled:        %v\n", st.Enabled)
	fmt.Printf("protocol:       %s\n", st.Protocol)
	fmt.Printf("poll interval:  %s\n", st.PollInterval())
	fmt.Printf("target address: %s\n", valueOrDash(st.TargetAddress))
	switch st.Protocol {
	case models.ProtocolPOP3:
		fmt.Printf("host:           %s:%d (tls=%v)\n", st.POP3Host, st.POP3Port, st.POP3UseTLS)
		fmt.Printf("username:       %s\n", valueOrDash(st.POP3Username))
		fmt.Printf("password:       %s\n", redacted(st.POP3PasswordEnc))
	default:
		fmt.Printf("host:           %s:%d (tls=%v)\n", st.IMAPHost, st.IMAPPort, st.IMAPUseTLS)
		fmt.Printf("username:       %s\n", valueOrDash(st.IMAPUsername))
		fmt.Printf("password:       %s\n", redacted(st.IMAPPasswordEnc))
		fmt.Printf("folder:         %s\n", st.Folder)
		fmt.Printf("mark as read:   %v\n", st.MarkAsRead)
	}
	return nil
}

func runMailSettingsSet(cmd *cobra.Command, args []string) error {
	protocol := models.IngestProtocol(mailSettingsFlags.protocol)
	if protocol != models.ProtocolIMAP && protocol != models.ProtocolPOP3 {
		return fmt.Errorf("unsupported protocol %q (want imap or pop3)", mailSettingsFlags.protocol)
	}

	store, cfg, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	st, err := store.LoadSettings(cmd.Context())
	if err != nil {
		return err
	}
	if st == nil {
		st = &models.IngestSettings{}
	}

	st.Enabled = mailSettingsFlags.enabled
	st.Protocol = protocol
	st.PollSeconds = mailSettingsFlags.pollSeconds
	st.TargetAddress = mailSettingsFlags.target

	var passwordEnc string
	if mailSettingsFlags.password != "" {
		protector, err := secrets.NewProtector(cfg.Ingest.SecretKey)
		if err != nil {
			return err
		}
		passwordEnc, err = protector.Encrypt(mailSettingsFlags.password)
		if err != nil {
			return err
		}
	}

	switch protocol {
	case models.ProtocolPOP3:
		st.POP3Host = mailSettingsFlags.host
		st.POP3Port = mailSettingsFlags.port
		st.POP3UseTLS = mailSettingsFlags.tls
		st.POP3Username = mailSettingsFlags.username
		if passwordEnc != "" {
			st.POP3PasswordEnc = passwordEnc
		}
	default:
		st.IMAPHost = mailSettingsFlags.host
		st.IMAPPort = mailSettingsFlags.port
		st.IMAPUseTLS = mailSettingsFlags.tls
		st.IMAPUsername = mailSettingsFlags.username
		st.Folder = mailSettingsFlags.folder
		st.MarkAsRead = mailSettingsFlags.markAsRead
		if passwordEnc != "" {
			st.IMAPPasswordEnc = passwordEnc
		}
	}

	if err := store.SaveSettings(cmd.Context(), st); err != nil {
		return err
	}
	fmt.Println("mailbox settings saved")
	return nil
}

func databaseOptions(cfg *config.Config) database.Options {
	return database.Options{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Name:            cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func redacted(enc string) string {
	if enc == "" {
		return "-"
	}
	return "(stored, encrypted)"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
