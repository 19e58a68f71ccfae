package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/threadgate/internal/api"
	"github.com/kalambet/threadgate/internal/chat"
	"github.com/kalambet/threadgate/internal/config"
	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/threads"
)

// withSession runs fn inside a freshly reconciled session that is closed
// afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			printWarning("closing session: %v", err)
		}
	}()
	return fn(ctx, s)
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List, create, switch and delete conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known threads, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			st, err := s.threads.State(ctx)
			if err != nil {
				return err
			}
			printThreads(cmd.OutOrStdout(), st, time.Now())
			return nil
		})
	},
}

var threadsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a thread on the backend and select it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			id, err := s.chat.SwitchToNewThread(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			printSuccess("Created and selected thread %s", id)
			return nil
		})
	},
}

var threadsSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Select a thread and print its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := threads.ValidateID(id); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			msgs := s.chat.SwitchToThread(ctx, id)
			current, err := s.threads.CurrentThreadID(ctx)
			if err != nil {
				return err
			}
			if current != id {
				return fmt.Errorf("could not load thread %s", id)
			}
			printMessages(cmd.OutOrStdout(), msgs)
			return nil
		})
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread on the backend and forget it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.chat.DeleteThread(ctx, id); err != nil {
				printWarning("Removed %s locally, but the backend delete failed", id)
				return err
			}
			printSuccess("Deleted thread %s", id)
			return nil
		})
	},
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Set the local title of a thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, title := args[0], strings.Join(args[1:], " ")
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.threads.UpdateThreadTitle(ctx, id, title); err != nil {
				return err
			}
			printSuccess("Renamed %s to %q", id, title)
			return nil
		})
	},
}

var threadsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the thread list from the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.threads.LoadFromRemote(ctx); err != nil {
				return err
			}
			st, err := s.threads.State(ctx)
			if err != nil {
				return err
			}
			printThreads(cmd.OutOrStdout(), st, time.Now())
			return nil
		})
	},
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsNewCmd)
	threadsCmd.AddCommand(threadsSwitchCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsRefreshCmd)
}

func printThreads(w io.Writer, st threads.State, now time.Time) {
	if len(st.Threads) == 0 {
		fmt.Fprintln(w, "No threads.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range st.Threads {
		marker := " "
		if r.ID == st.CurrentThreadID {
			marker = colorize(successColor, "*")
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\n", marker, r.Title, colorize(dimColor, r.ID), threads.RelativeTime(r.LastActive, now))
	}
	tw.Flush()
}

func printMessages(w io.Writer, msgs []langgraph.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "(no messages)")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s %s\n", colorize(labelColor, m.Type+":"), m.Text())
	}
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a message to the current thread and print the reply",
	Long: `Send a message to the current thread and print the reply.

A thread is created when none is selected. --resume answers an interrupted
run instead of (or as well as) sending text.

Examples:
  threadgate send "What changed since yesterday?"
  threadgate send --new "Start over"
  threadgate send --resume '{"approved":true}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		resume, _ := cmd.Flags().GetString("resume")
		fresh, _ := cmd.Flags().GetBool("new")

		if strings.TrimSpace(text) == "" && resume == "" {
			return errors.New("message text or --resume is required")
		}

		var msgs []langgraph.Message
		if strings.TrimSpace(text) != "" {
			msgs = []langgraph.Message{langgraph.HumanMessage(text)}
		}
		cmdPayload := resumeCommand(resume)

		return withSession(cmd, func(ctx context.Context, s *session) error {
			if fresh {
				if _, err := s.chat.SwitchToNewThread(ctx); err != nil {
					return err
				}
			}
			stream, err := s.chat.SendMessage(ctx, msgs, cmdPayload)
			if err != nil {
				return err
			}
			reply, err := chat.Collect(stream)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		})
	},
}

func init() {
	sendCmd.Flags().String("resume", "", "resume value for an interrupted run (JSON, or plain text)")
	sendCmd.Flags().Bool("new", false, "start a new thread before sending")
}

// resumeCommand builds the run command for --resume. Values that are not
// valid JSON are sent as a JSON string.
func resumeCommand(resume string) *langgraph.Command {
	if resume == "" {
		return nil
	}
	raw := json.RawMessage(resume)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(resume)
	}
	return &langgraph.Command{Resume: raw}
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve thread tools over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			mcpSrv := api.NewMCPServer(api.MCPDeps{Threads: s.threads, Chat: s.chat})
			s.logger.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio server: %w", err)
			}
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printConfig(cmd.OutOrStdout(), config.ShowAll(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (empty value resets it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret in the platform secret store, read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func printConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s  %s\n", colorize(labelColor, k.Key), k.Value, colorize(dimColor, "("+k.EnvVar+")"))
	}
}

// readSecret reads the first line of r, trimmed.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("empty secret on stdin")
	}
	return line, nil
}
