package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/minervahq/minerva/internal/flow"
	"github.com/minervahq/minerva/internal/lockfile"
	"github.com/minervahq/minerva/internal/media"
	"github.com/minervahq/minerva/internal/messaging"
	"github.com/minervahq/minerva/internal/reports"
	"github.com/minervahq/minerva/internal/store"
	"github.com/minervahq/minerva/internal/twiliowhatsapp"
	"github.com/minervahq/minerva/internal/util"
	"github.com/minervahq/minerva/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Minerva state data
	DefaultStateDir = "/var/lib/minerva"
	// DefaultSessionDBFileName is the default SQLite database filename for sessions
	DefaultSessionDBFileName = "minerva.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultMongoURI is the default MongoDB connection string for reports
	DefaultMongoURI = "mongodb://localhost:27017"
	// DefaultPort is the default listen port for the media server
	DefaultPort = "3000"
	// TransportWhatsmeow selects the Whatsmeow-based WhatsApp transport
	TransportWhatsmeow = "whatsmeow"
	// TransportTwilio selects the Twilio webhook-based WhatsApp transport
	TransportTwilio = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("Minerva failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Minerva exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	SessionDSN     string
	WhatsAppDSN    string
	MongoURI       string
	MongoDB        string
	MediaDir       string
	Port           string
	PublicHostname string
	Transport      string
	NumericCode    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	sessionDSN     *string
	whatsappDSN    *string
	mongoURI       *string
	mongoDB        *string
	mediaDir       *string
	port           *string
	publicHostname *string
	transport      *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetenvDefault("MINERVA_STATE_DIR", DefaultStateDir),
		SessionDSN:     util.GetenvDefault("SESSION_DB_DSN", os.Getenv("DATABASE_URL")),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		MongoURI:       util.GetenvDefault("MONGO_URI", DefaultMongoURI),
		MongoDB:        util.GetenvDefault("MONGO_DB", reports.DefaultDatabase),
		MediaDir:       os.Getenv("MEDIA_DIR"),
		Port:           util.GetenvDefault("PORT", DefaultPort),
		PublicHostname: os.Getenv("PUBLIC_HOSTNAME"),
		Transport:      util.GetenvDefault("TRANSPORT", TransportWhatsmeow),
		NumericCode:    util.ParseBoolEnv("NUMERIC_CODE", false),
	}

	// Default file-backed stores into the state directory
	if config.SessionDSN == "" {
		config.SessionDSN = filepath.Join(config.StateDir, DefaultSessionDBFileName)
		slog.Debug("No session DSN provided, defaulting to SQLite", "sqlite_path", config.SessionDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}
	if config.MediaDir == "" {
		config.MediaDir = filepath.Join(config.StateDir, "media")
	}

	slog.Debug("environment variables loaded",
		"MINERVA_STATE_DIR", config.StateDir,
		"SESSION_DB_DSN_SET", config.SessionDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MONGO_URI_SET", config.MongoURI != "",
		"MONGO_DB", config.MongoDB,
		"MEDIA_DIR", config.MediaDir,
		"PORT", config.Port,
		"PUBLIC_HOSTNAME_SET", config.PublicHostname != "",
		"TRANSPORT", config.Transport)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for Minerva data (overrides $MINERVA_STATE_DIR)"),
		sessionDSN:     flag.String("session-dsn", config.SessionDSN, "database DSN for the session store (overrides $SESSION_DB_DSN or $DATABASE_URL)"),
		whatsappDSN:    flag.String("whatsapp-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow store (overrides $WHATSAPP_DB_DSN)"),
		mongoURI:       flag.String("mongo-uri", config.MongoURI, "MongoDB URI for final reports (overrides $MONGO_URI)"),
		mongoDB:        flag.String("mongo-db", config.MongoDB, "MongoDB database name for final reports (overrides $MONGO_DB)"),
		mediaDir:       flag.String("media-dir", config.MediaDir, "directory for evidence files (overrides $MEDIA_DIR)"),
		port:           flag.String("port", config.Port, "listen port for the media server (overrides $PORT)"),
		publicHostname: flag.String("public-hostname", config.PublicHostname, "public base URL for evidence links (overrides $PUBLIC_HOSTNAME)"),
		transport:      flag.String("transport", config.Transport, "chat transport: whatsmeow or twilio (overrides $TRANSPORT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"sessionDSN_set", *flags.sessionDSN != "",
		"mediaDir", *flags.mediaDir,
		"port", *flags.port,
		"transport", *flags.transport)

	return flags
}

// buildSessionStore opens the session store matching the configured DSN.
func buildSessionStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.sessionDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL session store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.sessionDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite session store", "db_path", *flags.sessionDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.sessionDSN))
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A second instance over the same state directory would corrupt the
	// whatsmeow session and race the session store.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	sessions, err := buildSessionStore(flags)
	if err != nil {
		return err
	}
	defer sessions.Close()

	reportStore, err := reports.NewMongoStore(ctx,
		reports.WithURI(*flags.mongoURI),
		reports.WithDatabase(*flags.mongoDB),
	)
	if err != nil {
		return err
	}
	defer reportStore.Close(context.Background())

	baseURL := *flags.publicHostname
	if baseURL == "" {
		baseURL = "http://localhost:" + *flags.port
	}
	mediaStore, err := media.NewStore(media.WithDir(*flags.mediaDir), media.WithBaseURL(baseURL))
	if err != nil {
		return err
	}
	server := media.NewServer(mediaStore, ":"+*flags.port)

	var service messaging.Service
	switch *flags.transport {
	case TransportTwilio:
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return err
		}
		twilioService := messaging.NewTwilioService(twilioClient)
		server.App().Post("/webhook/twilio", twilioService.WebhookHandler)
		service = twilioService
	default:
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return err
		}
		service = messaging.NewWhatsAppService(waClient)
	}
	defer service.Stop()

	engine := flow.NewEngine(flow.NewFinalizer(mediaStore, reportStore))
	dispatcher := messaging.NewDispatcher(service, sessions, engine)

	if err := service.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Media server stopped", "error", err)
			stop()
		}
	}()
	defer server.Shutdown()

	slog.Info("Minerva incident intake running", "transport", *flags.transport, "port", *flags.port)
	if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
