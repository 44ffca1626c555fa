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

	"github.com/plantmap/PlantPipe/internal/api"
	"github.com/plantmap/PlantPipe/internal/cms"
	"github.com/plantmap/PlantPipe/internal/flow"
	"github.com/plantmap/PlantPipe/internal/lockfile"
	"github.com/plantmap/PlantPipe/internal/messaging"
	"github.com/plantmap/PlantPipe/internal/session"
	"github.com/plantmap/PlantPipe/internal/twiliowhatsapp"
	"github.com/plantmap/PlantPipe/internal/util"
	"github.com/plantmap/PlantPipe/internal/vision"
	"github.com/plantmap/PlantPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PlantPipe state data
	DefaultStateDir = "/var/lib/plantpipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Config holds environment configuration
type Config struct {
	StateDir      string
	CMSBaseURL    string
	CMSToken      string
	OpenAIKey     string
	VisionModel   string
	SessionDSN    string
	WhatsAppDSN   string
	APIAddr       string
	MapURL        string
	Backend       string // "whatsapp" (default) or "twilio"
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	TwilioWebhook string
	NumericCode   bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	cmsBaseURL  *string
	cmsToken    *string
	openaiKey   *string
	visionModel *string
	sessionDSN  *string
	waDSN       *string
	apiAddr     *string
	mapURL      *string
	backend     *string
	qrOutput    *string
	numeric     *bool
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("PlantPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("PlantPipe exited successfully")
}

// initializeLogger sets up structured logging
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
		StateDir:      util.GetEnvOrDefault("PLANTPIPE_STATE_DIR", DefaultStateDir),
		CMSBaseURL:    os.Getenv("CMS_BASE_URL"),
		CMSToken:      os.Getenv("CMS_API_TOKEN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		VisionModel:   os.Getenv("VISION_MODEL"),
		SessionDSN:    os.Getenv("SESSION_DB_DSN"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:       os.Getenv("API_ADDR"),
		MapURL:        os.Getenv("MAP_URL"),
		Backend:       util.GetEnvOrDefault("MESSAGING_BACKEND", "whatsapp"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhook: util.GetEnvOrDefault("TWILIO_WEBHOOK_PATH", "/webhook/twilio"),
		NumericCode:   util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
	}

	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"PLANTPIPE_STATE_DIR", config.StateDir,
		"CMS_BASE_URL_SET", config.CMSBaseURL != "",
		"CMS_API_TOKEN_SET", config.CMSToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SESSION_DB_DSN_SET", config.SessionDSN != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for PlantPipe data (overrides $PLANTPIPE_STATE_DIR)"),
		cmsBaseURL:  flag.String("cms-base-url", config.CMSBaseURL, "content store base URL (overrides $CMS_BASE_URL)"),
		cmsToken:    flag.String("cms-token", config.CMSToken, "content store API token (overrides $CMS_API_TOKEN)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for image classification (overrides $OPENAI_API_KEY)"),
		visionModel: flag.String("vision-model", config.VisionModel, "multimodal model for image classification (overrides $VISION_MODEL)"),
		sessionDSN:  flag.String("session-db-dsn", config.SessionDSN, "session store DSN; empty means in-memory (overrides $SESSION_DB_DSN)"),
		waDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		mapURL:      flag.String("map-url", config.MapURL, "public plant map URL shown for /map (overrides $MAP_URL)"),
		backend:     flag.String("messaging-backend", config.Backend, "chat transport: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		qrOutput:    flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:     flag.Bool("numeric-code", config.NumericCode, "use numeric WhatsApp login code instead of QR code (overrides $WHATSAPP_NUMERIC_CODE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"cmsBaseURL_set", *flags.cmsBaseURL != "",
		"openaiKey_set", *flags.openaiKey != "",
		"sessionDSN_set", *flags.sessionDSN != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend)

	return flags
}

// buildSessionStore selects the session store backend based on the DSN.
func buildSessionStore(dsn string) (session.Store, error) {
	if dsn == "" {
		slog.Info("Using in-memory session store (sessions are lost on restart)")
		return session.NewInMemoryStore(), nil
	}
	if session.DetectDSNType(dsn) == "postgres" {
		slog.Info("Using PostgreSQL session store")
		return session.NewPostgresStore(session.WithPostgresDSN(dsn))
	}
	slog.Info("Using SQLite session store", "path", dsn)
	return session.NewSQLiteStore(session.WithSQLiteDSN(dsn))
}

// buildVisionOptions constructs classifier configuration options
func buildVisionOptions(flags Flags) []vision.Option {
	opts := []vision.Option{vision.WithAPIKey(*flags.openaiKey)}
	if *flags.visionModel != "" {
		opts = append(opts, vision.WithModel(*flags.visionModel))
	}
	return opts
}

// buildMessagingService constructs the configured chat transport.
func buildMessagingService(config Config, flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	if *flags.backend == "twilio" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	}

	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, nil
}

// run wires the modules together and processes inbound events until a
// termination signal arrives.
func run(config Config, flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions, err := buildSessionStore(*flags.sessionDSN)
	if err != nil {
		return err
	}
	defer sessions.Close()

	contentClient, err := cms.NewClient(
		cms.WithBaseURL(*flags.cmsBaseURL),
		cms.WithToken(*flags.cmsToken),
	)
	if err != nil {
		return err
	}

	classifier, err := vision.NewClassifier(buildVisionOptions(flags)...)
	if err != nil {
		return err
	}

	msgService, twilioService, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}

	plantFlow := flow.NewPlantFlow(sessions, contentClient, classifier, msgService, *flags.mapURL)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(sessions, apiOpts...)
	if twilioService != nil {
		server.Handle(config.TwilioWebhook, twilioService.TwilioWebhookHandler)
		slog.Info("Twilio inbound webhook mounted", "path", config.TwilioWebhook)
	}
	server.Start()

	if err := msgService.Start(ctx); err != nil {
		return err
	}

	slog.Info("PlantPipe running", "backend", *flags.backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case evt, ok := <-msgService.Events():
			if !ok {
				slog.Info("Event channel closed, shutting down")
				return server.Stop(context.Background())
			}
			// Events are handled one at a time per process; HandleEvent never
			// panics out and reports failures to the user itself.
			plantFlow.HandleEvent(ctx, evt)

		case sig := <-sigCh:
			slog.Info("Received termination signal, shutting down", "signal", sig)
			cancel()
			if err := msgService.Stop(); err != nil {
				slog.Error("Failed to stop messaging service", "error", err)
			}
			return server.Stop(context.Background())
		}
	}
}
