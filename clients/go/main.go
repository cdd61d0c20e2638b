// l2dchat CLI - command line messenger client for chatd
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MaiM-with-u/Maimchat/clients/go/l2dchat"
	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/messenger"
)

var (
	baseURL  string
	token    string
	platform string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "l2dchat",
	Short: "Command line client for the chatd messenger service",
	Long: `l2dchat talks to a running chatd: it attaches to the messenger IPC
socket like the app does and reads the diagnostic HTTP endpoints.

Environment:
  L2DCHAT_URL     chatd address (default: http://localhost:8765)
  L2DCHAT_TOKEN   IPC token, when chatd requires one
  L2DCHAT_CONFIG  config directory (default: ~/.l2dchat)`,
	SilenceUsage: true,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show chatd health",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPI().Health()
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show connection state and message lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPI().Snapshot()
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List model folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		models, err := newAPI().Models()
		if err != nil {
			return err
		}
		for _, m := range models {
			status := "ok"
			if !m.Valid {
				status = strings.Join(m.Issues, ", ")
			}
			fmt.Printf("  %-24s %-24s textures=%d motions=%d  %s\n",
				m.Folder, m.DisplayName, m.Stats.TextureCount, m.Stats.MotionCount, status)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent chatd log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newAPI().Logs()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(string(e))
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [url]",
	Short: "Ask chatd to connect to a chat server",
	Long: `Ask chatd to connect to a chat server. Without a url the last one used
is tried. The address is remembered for the next run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := ""
		if len(args) == 1 {
			url = args[0]
		}
		return withSession(cmd.Context(), func(s *session) error {
			if err := s.client.Connect(url, platform, os.Getenv("L2DCHAT_CHAT_TOKEN")); err != nil {
				return err
			}
			state, err := s.waitState(10 * time.Second)
			if err != nil {
				return err
			}
			fmt.Printf("State: %s\n", messenger.StateLabel(state))
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close chatd's chat connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			s.client.Disconnect()
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("message is empty")
		}
		return withSession(cmd.Context(), func(s *session) error {
			s.client.SendText(text)
			return s.wait(5*time.Second, func(ev messenger.Event) bool {
				return ev.Op == messenger.OpNewMessage && ev.Message.FromUser && ev.Message.Content == text
			})
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear chat history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ephemeral, _ := cmd.Flags().GetBool("ephemeral")
		return withSession(cmd.Context(), func(s *session) error {
			if ephemeral {
				s.client.ClearMessagesEphemeral()
			} else {
				s.client.ClearMessages()
			}
			return nil
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update nickname and receiver identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			flags := cmd.Flags()
			if flags.Changed("nickname") {
				v, _ := flags.GetString("nickname")
				s.client.SetUserProfile(v)
			}
			if flags.Changed("receiver-id") || flags.Changed("receiver-nickname") {
				id, _ := flags.GetString("receiver-id")
				nick, _ := flags.GetString("receiver-nickname")
				s.client.SetReceiverInfo(id, nick)
			}
			if flags.Changed("platform") {
				s.client.UpdatePlatformPreference(platform)
			}
			return nil
		})
	},
}

var modelCmd = &cobra.Command{
	Use:   "model <name>",
	Short: "Switch the model whose history chatd serves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			s.client.SetActiveModel(args[0])
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat: print messages as they arrive and send stdin lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), runChat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("L2DCHAT_URL", l2dchat.DefaultBaseURL), "chatd address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("L2DCHAT_TOKEN"), "chatd IPC token")
	rootCmd.PersistentFlags().StringVar(&platform, "platform", "", "platform header for the chat server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log transport details to stderr")

	clearCmd.Flags().Bool("ephemeral", false, "clear the lists but keep persisted history")
	profileCmd.Flags().String("nickname", "", "your nickname (empty clears)")
	profileCmd.Flags().String("receiver-id", "", "receiver user id (empty clears)")
	profileCmd.Flags().String("receiver-nickname", "", "receiver nickname (empty clears)")

	rootCmd.AddCommand(healthCmd, snapshotCmd, modelsCmd, logsCmd,
		connectCmd, disconnectCmd, sendCmd, clearCmd, profileCmd, modelCmd, chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newAPI() *l2dchat.API {
	return l2dchat.NewAPI(baseURL, token)
}

func logger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

// session is one attached messenger client.
type session struct {
	api    *l2dchat.API
	client *messenger.Client
	conn   *l2dchat.Conn
}

// withSession attaches a client to chatd, runs fn and saves the client's
// preferences afterwards.
func withSession(ctx context.Context, fn func(*session) error) error {
	a := newAPI()
	cfg, err := a.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := messenger.NewClient(cfg, logger())
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := l2dchat.Dial(dialCtx, a, client, logger())
	if err != nil {
		client.Close()
		return fmt.Errorf("connect to chatd: %w", err)
	}

	s := &session{api: a, client: client, conn: conn}
	// The registration snapshot makes local state current.
	if err := s.wait(5*time.Second, func(ev messenger.Event) bool { return ev.Op == messenger.OpSnapshot }); err != nil {
		client.Close()
		conn.Close()
		return err
	}

	runErr := fn(s)

	if err := a.SaveConfig(client.Config()); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: config not saved:", err)
	}
	client.Close()
	conn.Close()
	return runErr
}

// wait reads events until match accepts one. Service errors end the wait.
func (s *session) wait(timeout time.Duration, match func(messenger.Event) bool) error {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.client.Events():
			if !ok {
				return fmt.Errorf("client closed")
			}
			if match(ev) {
				return nil
			}
			if ev.Op == messenger.OpError {
				return fmt.Errorf("%s", ev.Err)
			}
		case <-s.conn.Done():
			return fmt.Errorf("chatd closed the connection")
		case <-deadline:
			return fmt.Errorf("timed out")
		}
	}
}

// waitState waits until the connection settles on connected or error.
func (s *session) waitState(timeout time.Duration) (chat.State, error) {
	var state chat.State
	err := s.wait(timeout, func(ev messenger.Event) bool {
		if ev.Op != messenger.OpConnectionState {
			return false
		}
		state = ev.State
		return ev.State == chat.Connected || ev.State == chat.Error
	})
	return state, err
}

func runChat(s *session) error {
	for _, m := range s.client.Messages() {
		printMessage(m)
	}
	fmt.Printf("-- %s -- type a message and press enter, Ctrl-D to quit\n", messenger.StateLabel(s.client.State()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.client.SendText(line)
		case ev, ok := <-s.client.Events():
			if !ok {
				return nil
			}
			switch ev.Op {
			case messenger.OpNewMessage:
				printMessage(ev.Message)
			case messenger.OpConnectionState:
				fmt.Printf("-- %s --\n", messenger.StateLabel(ev.State))
			case messenger.OpError:
				fmt.Fprintln(os.Stderr, "Error:", ev.Err)
			}
		case <-s.conn.Done():
			return fmt.Errorf("chatd closed the connection")
		}
	}
}

func printMessage(m chat.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
	from := "TA"
	if m.FromUser {
		from = "我"
	}
	fmt.Printf("[%s] %s: %s\n", ts, from, m.Content)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
	return nil
}
