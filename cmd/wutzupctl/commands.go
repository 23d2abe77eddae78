package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/wutzup/internal/api"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, network and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, api.MethodGetStatus, nil, func(r map[string]any) {
				out := cmd.OutOrStdout()
				queue, _ := r["queue"].(map[string]any)
				network, _ := r["network"].(map[string]any)
				fmt.Fprintf(out, "Profile:       %v\n", r["profile"])
				fmt.Fprintf(out, "User:          %v\n", r["user_id"])
				fmt.Fprintf(out, "App state:     %v (subscriptions active: %v)\n", r["app_state"], r["subscriptions_active"])
				fmt.Fprintf(out, "Backend:       connected=%v\n", r["backend_connected"])
				if network != nil {
					fmt.Fprintf(out, "Network:       %v connected=%v reliable=%v\n", network["link"], network["connected"], network["reliable"])
				}
				if queue != nil {
					fmt.Fprintf(out, "Queue:         %v pending, %v active, degraded=%v\n", queue["pending"], queue["active"], queue["degraded"])
				}
				if open, ok := r["open_conversations"].([]any); ok && len(open) > 0 {
					fmt.Fprintf(out, "Conversations: %v\n", open)
				}
				if ms, ok := r["mirror_updated_at"].(float64); ok {
					fmt.Fprintf(out, "Last sync:     %s\n", humanize.Time(time.UnixMilli(int64(ms))))
				}
			})
		},
	}
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"conversation_id": args[0],
				"body":            strings.Join(args[1:], " "),
			}
			if url, _ := cmd.Flags().GetString("media"); url != "" {
				req["media_url"] = url
				req["media_type"], _ = cmd.Flags().GetString("media-type")
			}
			return call(cmd, api.MethodSendText, req, func(r map[string]any) {
				m, _ := r["message"].(map[string]any)
				fmt.Fprintf(cmd.OutOrStdout(), "%v %v\n", m["id"], m["status"])
			})
		},
	}
	cmd.Flags().String("media", "", "attach media by URL")
	cmd.Flags().String("media-type", "", "MIME type of the attached media")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the retry queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, api.MethodListQueue, nil, func(r map[string]any) {
				out := cmd.OutOrStdout()
				entries, _ := r["entries"].([]any)
				if len(entries) == 0 {
					fmt.Fprintln(out, "queue is empty")
					return
				}
				for _, raw := range entries {
					e, _ := raw.(map[string]any)
					m, _ := e["message"].(map[string]any)
					line := fmt.Sprintf("%v  %-8v  retries=%v  %v: %q", m["id"], e["status"], e["retry_count"], m["conversation_id"], m["body"])
					if reason, _ := e["last_error"].(string); reason != "" {
						line += "  (" + reason + ")"
					}
					fmt.Fprintln(out, line)
				}
				if degraded, _ := r["degraded"].(bool); degraded {
					fmt.Fprintln(out, "warning: queue is not persisted")
				}
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodRetryMessage, map[string]any{"message_id": args[0]}, func(map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s queued for retry\n", args[0])
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove failed messages from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, api.MethodClearFailed, nil, func(r map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %v failed message(s)\n", r["removed"])
			})
		},
	}

	cmd.AddCommand(list, retry, clearCmd)
	return cmd
}

func newAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Report app foreground/background transitions",
	}
	for _, state := range []string{"foreground", "background"} {
		state := state
		cmd.AddCommand(&cobra.Command{
			Use:   state,
			Short: "Mark the app as " + state,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, api.MethodSetAppState, map[string]any{"state": state}, func(r map[string]any) {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "app is %v\n", r["state"])
					if ms, ok := r["elapsed_ms"].(float64); ok && ms > 0 {
						d := time.Duration(ms) * time.Millisecond
						fmt.Fprintf(out, "was in background for %s, catch-up=%v\n", d.Round(time.Millisecond), r["catch_up"])
					}
				})
			},
		})
	}
	return cmd
}

func printMessages(out io.Writer, msgs []any) {
	for _, raw := range msgs {
		m, _ := raw.(map[string]any)
		ts, _ := m["timestamp"].(float64)
		fmt.Fprintf(out, "[%s] %v: %v  (%v)\n",
			time.UnixMilli(int64(ts)).Format("2006-01-02 15:04"), m["sender_id"], m["body"], m["status"])
	}
}

func printConversations(out io.Writer, convs []any) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	for _, raw := range convs {
		c, _ := raw.(map[string]any)
		label, _ := c["name"].(string)
		if label == "" {
			label = fmt.Sprint(c["id"])
		}
		line := label
		if n, _ := c["unread_count"].(float64); n > 0 {
			line += fmt.Sprintf(" (%s unread)", humanize.Comma(int64(n)))
		}
		if ms, _ := c["last_message_at"].(float64); ms > 0 {
			line += "  " + humanize.Time(time.UnixMilli(int64(ms)))
		}
		if p, _ := c["last_message_preview"].(string); p != "" {
			line += "  " + p
		}
		fmt.Fprintln(out, line)
	}
}

func newConvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conv",
		Short: "Open, inspect and close conversations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			req := map[string]any{"limit": limit, "offset": offset}
			return call(cmd, api.MethodListConversations, req, func(r map[string]any) {
				convs, _ := r["conversations"].([]any)
				printConversations(cmd.OutOrStdout(), convs)
			})
		},
	}
	list.Flags().Int("limit", 50, "maximum conversations to list")
	list.Flags().Int("offset", 0, "skip this many conversations")

	open := &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and start observing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"conversation_id": args[0]}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				req["name"] = name
			}
			if ids, _ := cmd.Flags().GetStringSlice("participants"); len(ids) > 0 {
				req["participant_ids"] = toAny(ids)
			}
			if cmd.Flags().Changed("group") {
				req["is_group"], _ = cmd.Flags().GetBool("group")
			}
			return call(cmd, api.MethodOpenConversation, req, func(r map[string]any) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%v (%v)\n", r["conversation_id"], r["state"])
				if p, _ := r["presence"].(string); p != "" {
					fmt.Fprintln(out, p)
				}
				if t, _ := r["typing"].(string); t != "" {
					fmt.Fprintln(out, t)
				}
				msgs, _ := r["messages"].([]any)
				printMessages(out, msgs)
				if d, _ := r["draft"].(string); d != "" {
					fmt.Fprintf(out, "draft: %s\n", d)
				}
			})
		},
	}

	open.Flags().String("name", "", "display name to store for the conversation")
	open.Flags().StringSlice("participants", nil, "participant user ids to store for the conversation")
	open.Flags().Bool("group", false, "mark the conversation as a group")

	closeCmd := &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Stop observing a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodCloseConversation, map[string]any{"conversation_id": args[0]}, func(r map[string]any) {
				if closed, _ := r["closed"].(bool); !closed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not open\n", args[0])
				}
			})
		},
	}

	messages := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			before, _ := cmd.Flags().GetInt64("before")
			req := map[string]any{"conversation_id": args[0], "limit": limit}
			if before > 0 {
				req["before_ts"] = before
			}
			return call(cmd, api.MethodListMessages, req, func(r map[string]any) {
				msgs, _ := r["messages"].([]any)
				printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}
	messages.Flags().Int("limit", 50, "maximum messages to list")
	messages.Flags().Int64("before", 0, "only list messages before this unix-ms timestamp")

	seen := &cobra.Command{
		Use:   "seen <conversation-id> [message-id...]",
		Short: "Mark messages as visible and send read receipts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodSetVisible, map[string]any{
				"conversation_id": args[0],
				"message_ids":     toAny(args[1:]),
				"flush":           true,
			}, func(r map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "%v message(s) marked visible\n", r["count"])
			})
		},
	}

	draft := &cobra.Command{
		Use:   "draft <conversation-id> [text]",
		Short: "Set or clear the composer draft",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodSetComposer, map[string]any{
				"conversation_id": args[0],
				"text":            strings.Join(args[1:], " "),
			}, func(r map[string]any) {
				if d, _ := r["draft"].(string); d != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "draft: %s\n", d)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "draft cleared")
				}
			})
		},
	}

	cmd.AddCommand(list, open, closeCmd, messages, seen, draft)
	return cmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over stored messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, _ := cmd.Flags().GetString("conversation")
			limit, _ := cmd.Flags().GetInt("limit")
			req := map[string]any{"query": strings.Join(args, " "), "limit": limit}
			if conv != "" {
				req["conversation_id"] = conv
			}
			return call(cmd, api.MethodSearchMessages, req, func(r map[string]any) {
				out := cmd.OutOrStdout()
				results, _ := r["results"].([]any)
				if len(results) == 0 {
					fmt.Fprintln(out, "no matches")
					return
				}
				for _, raw := range results {
					res, _ := raw.(map[string]any)
					m, _ := res["message"].(map[string]any)
					fmt.Fprintf(out, "%v  %v: %v\n", m["conversation_id"], m["sender_id"], res["snippet"])
				}
			})
		},
	}
	cmd.Flags().String("conversation", "", "restrict to one conversation")
	cmd.Flags().Int("limit", 20, "maximum results")
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [prefix]",
		Short: "Stream daemon events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			next, err := c.Watch(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			for {
				evt, err := next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if asJSON {
					if err := outputJSON(cmd, evt); err != nil {
						return err
					}
					continue
				}
				ts, _ := evt["ts"].(float64)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-28v %v\n",
					time.UnixMilli(int64(ts)).Format("15:04:05.000"), evt["kind"], evt["payload"])
			}
		},
	}
	return cmd
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
