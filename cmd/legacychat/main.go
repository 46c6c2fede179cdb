package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/auth"
	"github.com/4xmen/legacychat/internal/chat"
	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/internal/handlers"
	"github.com/4xmen/legacychat/internal/ui"
	"github.com/4xmen/legacychat/internal/ws"
	"github.com/4xmen/legacychat/pkg/config"
	"github.com/4xmen/legacychat/pkg/i18n"
	"github.com/4xmen/legacychat/pkg/logger"
)

func main() {
	cfg := config.Load()

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"inbox"}
	}

	if err := runCommand(cfg, os.Stdout, args); err != nil {
		fmt.Fprintf(os.Stderr, "legacychat: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(cfg *config.Config, out io.Writer, args []string) error {
	command := args[0]

	switch command {
	case "inbox":
		return runInbox(cfg)
	case "chat":
		return runChat(cfg, args[1:])
	case "serve":
		return runServer(cfg)
	case "token":
		return runToken(cfg, out, args[1:])
	case "status":
		return runStatus(cfg, out, args[1:])
	case "-h", "--help", "help":
		printUsage(out)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  legacychat                      Open the inbox")
	fmt.Fprintln(out, "  legacychat inbox                Open the inbox")
	fmt.Fprintln(out, "  legacychat chat PEER_ID [NAME]  Open one conversation")
	fmt.Fprintln(out, "  legacychat serve                Start the reference chat server")
	fmt.Fprintln(out, "  legacychat token USER_ID [NAME] Print a bearer token signed with JWT_SECRET")
	fmt.Fprintln(out, "  legacychat status               Show reference server statistics")
	fmt.Fprintln(out, "  legacychat status --json")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Settings are read from the environment or the file named by %s (default .env).\n", config.EnvFileVar)
}

// clientLogger keeps the terminal clear for the UI: logs go to LOG_FILE
// or nowhere.
func clientLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	if cfg.LogFile == "" {
		return zerolog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("open log file: %w", err)
	}
	return logger.New("production", f), func() { f.Close() }, nil
}

func language(cfg *config.Config, log zerolog.Logger) string {
	if i18n.Supported(cfg.Language) {
		return cfg.Language
	}
	log.Warn().Str("language", cfg.Language).Msg("unsupported language, using en")
	return "en"
}

func startClient(ctx context.Context, cfg *config.Config, log zerolog.Logger, lang string) (*chat.Client, error) {
	client, err := chat.NewClient(chat.ClientOptions{
		UserID:         cfg.UserID,
		Token:          cfg.AuthToken,
		Language:       lang,
		APIURL:         cfg.APIBaseURL,
		SocketURL:      cfg.SocketURL,
		ReconnectDelay: cfg.ReconnectDelay,
		TypingWindow:   cfg.TypingDebounce,
		TypingTimeout:  cfg.TypingTimeout,
		MaxUploadSize:  cfg.MaxUploadSize,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func runInbox(cfg *config.Config) error {
	log, closeLog, err := clientLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	lang := language(cfg, log)
	client, err := startClient(context.Background(), cfg, log, lang)
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = tea.NewProgram(ui.NewInboxModel(client, lang), tea.WithAltScreen()).Run()
	return err
}

func runChat(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("chat: missing PEER_ID")
	}
	peerID := args[0]
	displayName := strings.Join(args[1:], " ")

	log, closeLog, err := clientLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	lang := language(cfg, log)
	client, err := startClient(context.Background(), cfg, log, lang)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.Open(context.Background(), peerID, displayName)
	if err != nil {
		return err
	}

	model := ui.NewConversationModel(session, client.UserID(), lang)
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

func runToken(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("token: missing USER_ID")
	}
	token, err := auth.New(cfg.JWTSecret).GenerateToken(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runServer(cfg *config.Config) error {
	log := logger.Init(cfg.Environment)

	if err := os.MkdirAll(cfg.FileStoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	hub := ws.NewHub(database, log)
	go hub.Run()
	defer hub.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		DB:            database,
		Auth:          auth.New(cfg.JWTSecret),
		Hub:           hub,
		StoragePath:   cfg.FileStoragePath,
		MaxUploadSize: cfg.MaxUploadSize,
		PublicURL:     cfg.PublicURL,
		Language:      language(cfg, log),
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
