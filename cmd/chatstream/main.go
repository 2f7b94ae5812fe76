package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatstream/pkg/chat"
	"github.com/go-go-golems/chatstream/pkg/config"
)

var (
	configPath string
	backendURL string
	convID     string
)

func main() {
	root := &cobra.Command{
		Use:   "chatstream",
		Short: "Interactive terminal chat driven by the streaming transcript engine",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a yaml config file")
	root.Flags().StringVar(&backendURL, "backend", "", "backend base URL (overrides config)")
	root.Flags().StringVar(&convID, "conversation", "default", "conversation id to attach to")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("chatstream failed")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	setupLogging(cfg.LogLevel)

	client := chat.NewClient(cfg.BackendURL)
	mgr, err := chat.NewManager(chat.ManagerConfig{
		Backend:    client,
		CacheSize:  cfg.CacheSize,
		WindowSize: cfg.WindowSize,
		Overscan:   cfg.WindowOverscan,
		PageSize:   cfg.PageSize,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.LoadHistory(ctx, convID); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("could not load history")
	}
	printView(mgr.View(convID))

	fmt.Println("type a message, /ensemble cfg1,cfg2 <text>, /regen <msg> <parent>, /older, or /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := dispatch(ctx, mgr, line); err != nil {
			log.Error().Err(err).Msg("command failed")
		}
		printView(mgr.View(convID))
	}
	mgr.CancelConversation(convID)
	return errors.Wrap(scanner.Err(), "read input")
}

func dispatch(ctx context.Context, mgr *chat.Manager, line string) error {
	callbacks := chat.SessionCallbacks{
		OnCompleted: func() { mgr.ClearSelection(convID) },
		OnBanner: func(err error) {
			fmt.Fprintf(os.Stderr, "!! %v\n", err)
		},
	}

	switch {
	case strings.HasPrefix(line, "/regen "):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return errors.New("usage: /regen <message-id> <parent-id>")
		}
		sess, err := mgr.Regenerate(ctx, chat.RegenerateRequest{
			ConversationID:  convID,
			MessageID:       fields[1],
			ParentMessageID: fields[2],
		}, callbacks)
		if err != nil {
			return err
		}
		<-sess.Done()
		return nil
	case strings.HasPrefix(line, "/ensemble "):
		rest := strings.TrimPrefix(line, "/ensemble ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return errors.New("usage: /ensemble cfg1,cfg2 <text>")
		}
		sess, err := mgr.Send(ctx, chat.SendRequest{
			ConversationID:        convID,
			Text:                  parts[1],
			ExtraConfigurationIDs: strings.Split(parts[0], ","),
		}, callbacks)
		if err != nil {
			return err
		}
		<-sess.Done()
		return nil
	case line == "/older":
		return mgr.LoadOlder(ctx, convID, 20)
	default:
		sess, err := mgr.Send(ctx, chat.SendRequest{ConversationID: convID, Text: line}, callbacks)
		if err != nil {
			return err
		}
		<-sess.Done()
		return nil
	}
}

func printView(v chat.View) {
	for _, m := range v.Messages {
		marker := ""
		if m.Error {
			marker = " [error]"
		}
		if m.Streaming {
			marker = " [streaming]"
		}
		fmt.Printf("%s%s: %s\n", m.Role, marker, m.Content)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
