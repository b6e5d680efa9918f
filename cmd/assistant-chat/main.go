package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/assistant/internal/client"
)

var (
	endpoint  string
	token     string
	sessionID string
	prefsPath string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "assistant-chat",
		Short:         "Terminal client for the assistant gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&endpoint, "endpoint", envOr("ASSISTANT_ENDPOINT", "http://localhost:8080/message"), "gateway message URL")
	pf.StringVar(&token, "token", os.Getenv("ASSISTANT_TOKEN"), "identity token (session id defaults to its sub claim)")
	pf.StringVar(&sessionID, "session-id", "", "session id when running against a gateway without auth")
	pf.StringVar(&prefsPath, "prefs", "", "preferences file (default: user config dir)")

	root.AddCommand(
		&cobra.Command{Use: "chat", Short: "Interactive chat (default)", RunE: runChat},
		newSendCmd(),
		newPrefsCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadPreferences() (*client.Preferences, error) {
	path := prefsPath
	if path == "" {
		p, err := client.DefaultPreferencesPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return client.LoadPreferences(path)
}

func newSession() (*client.Session, error) {
	prefs, err := loadPreferences()
	if err != nil {
		return nil, err
	}
	// Client diagnostics are discarded unless debugging.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if prefs.Debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return client.NewSession(client.Options{
		Endpoint:    endpoint,
		Token:       token,
		SessionID:   sessionID,
		Preferences: prefs,
		Logger:      logger,
	})
}

var (
	userColor      = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	errorColor     = color.New(color.FgRed)
	infoColor      = color.New(color.FgHiBlack)
)

func printMessage(w io.Writer, m client.Message) {
	switch {
	case m.Role == client.RoleUser:
		userColor.Fprint(w, "you> ")
		fmt.Fprintln(w, m.Content)
	case m.Failed:
		errorColor.Fprintln(w, m.Content)
	default:
		assistantColor.Fprintln(w, m.Content)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	historyFile := ""
	if p, err := client.DefaultPreferencesPath(); err == nil {
		historyFile = filepath.Join(filepath.Dir(p), "history")
		if f, err := os.Open(historyFile); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
	}
	defer func() {
		if historyFile == "" {
			return
		}
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	out := cmd.OutOrStdout()
	infoColor.Fprintf(out, "session %s, mode %s, debug %v. /help for commands.\n", s.SessionID(), s.Mode(), s.Debug())

	for {
		input, err := line.Prompt(promptFor(s))
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := runSlashCommand(out, s, input)
			if err != nil {
				errorColor.Fprintln(out, err)
			}
			if quit {
				return nil
			}
			continue
		}

		printMessage(out, s.Send(cmd.Context(), input))
		if cmd.Context().Err() != nil {
			return nil
		}
	}
}

// promptFor shows the mode, and flags a pending history reset.
func promptFor(s *client.Session) string {
	if s.CleanPending() {
		return s.Mode() + " (fresh)> "
	}
	return s.Mode() + "> "
}

func runSlashCommand(w io.Writer, s *client.Session, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/clear":
		s.ClearHistory()
		infoColor.Fprintln(w, "conversation cleared; the next message starts a fresh history")
	case "/mode":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /mode %s|%s", client.ModeBasic, client.ModeAgentic)
		}
		if err := s.SetMode(fields[1]); err != nil {
			return false, err
		}
		infoColor.Fprintf(w, "mode set to %s\n", s.Mode())
	case "/debug":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, errors.New("usage: /debug on|off")
		}
		if err := s.SetDebug(fields[1] == "on"); err != nil {
			return false, err
		}
		infoColor.Fprintf(w, "debug %s\n", fields[1])
	case "/history":
		for _, m := range s.Messages() {
			printMessage(w, m)
		}
	case "/help":
		fmt.Fprintln(w, "/clear            start a fresh conversation")
		fmt.Fprintln(w, "/mode basic|agentic")
		fmt.Fprintln(w, "/debug on|off     show full error details")
		fmt.Fprintln(w, "/history          reprint this session")
		fmt.Fprintln(w, "/quit")
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func newSendCmd() *cobra.Command {
	var clean bool
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			if clean {
				s.ClearHistory()
			}
			m := s.Send(cmd.Context(), strings.Join(args, " "))
			printMessage(cmd.OutOrStdout(), m)
			if m.Failed {
				return errors.New("request failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "drop the stored conversation before sending")
	return cmd
}

func newPrefsCmd() *cobra.Command {
	var (
		mode  string
		debug string
	)
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change persisted preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := loadPreferences()
			if err != nil {
				return err
			}
			if mode != "" {
				if mode != client.ModeBasic && mode != client.ModeAgentic {
					return fmt.Errorf("unknown mode %q", mode)
				}
				prefs.Mode = mode
			}
			switch debug {
			case "":
			case "on", "true":
				prefs.Debug = true
			case "off", "false":
				prefs.Debug = false
			default:
				return fmt.Errorf("unknown debug value %q", debug)
			}
			if mode != "" || debug != "" {
				if err := prefs.Save(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "file:  %s\nmode:  %s\ndebug: %v\n", prefs.Path(), prefs.Mode, prefs.Debug)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "basic or agentic")
	cmd.Flags().StringVar(&debug, "debug", "", "on or off")
	return cmd
}
