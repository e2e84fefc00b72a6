package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/voipsms/internal/api"
	"github.com/matheus3301/voipsms/internal/client"
	"github.com/matheus3301/voipsms/internal/lock"
	"github.com/matheus3301/voipsms/internal/session"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		listSessions(*jsonFlag)
		return
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	cli := &cli{client: c, json: *jsonFlag}
	cmd, rest := args[0], args[1:]
	if cmd == "watch" {
		cli.watch(rest)
		return
	}

	// Full syncs of many lines can take a while.
	timeout := 30 * time.Second
	if cmd == "sync" {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch cmd {
	case "status":
		cli.status(ctx)
	case "sync":
		cli.sync(ctx, rest)
	case "send":
		need(rest, 3, "send <line> <contact> <text>")
		cli.send(ctx, rest[0], rest[1], strings.Join(rest[2:], " "))
	case "resubmit":
		need(rest, 1, "resubmit <local-id>")
		cli.resubmit(ctx, rest[0])
	case "list":
		need(rest, 2, "list <line> <contact> [filter]")
		cli.list(ctx, rest[0], rest[1], strings.Join(rest[2:], " "))
	case "conversations":
		cli.conversations(ctx, rest)
	case "read", "unread", "delete", "restore", "archive", "unarchive":
		need(rest, 2, cmd+" <line> <contact>")
		cli.conversationOp(ctx, cmd, rest[0], rest[1])
	case "draft":
		need(rest, 2, "draft <line> <contact> [text]")
		cli.draft(ctx, rest[0], rest[1], strings.Join(rest[2:], " "))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: smsctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  sync [--full] [line...]         Sync now (partial unless --full)")
	fmt.Fprintln(os.Stderr, "  send <line> <contact> <text>    Send a message")
	fmt.Fprintln(os.Stderr, "  resubmit <local-id>             Resend a failed message")
	fmt.Fprintln(os.Stderr, "  list <line> <contact> [filter]  Show a conversation")
	fmt.Fprintln(os.Stderr, "  conversations [--archived]      List conversations")
	fmt.Fprintln(os.Stderr, "  read|unread <line> <contact>    Mark a conversation read or unread")
	fmt.Fprintln(os.Stderr, "  delete|restore <line> <contact> Delete or restore a conversation")
	fmt.Fprintln(os.Stderr, "  archive|unarchive <line> <contact>")
	fmt.Fprintln(os.Stderr, "  draft <line> <contact> [text]   Save a draft; no text clears it")
	fmt.Fprintln(os.Stderr, "  watch [line]                    Stream new unread messages")
	fmt.Fprintln(os.Stderr, "  sessions                        List known sessions")
}

func listSessions(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fatalf("%v", err)
	}
	type entry struct {
		Name          string `json:"name"`
		Path          string `json:"path"`
		DaemonRunning bool   `json:"daemon_running"`
		PID           int    `json:"pid,omitempty"`
	}
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		e := entry{Name: name, Path: session.Dir(name)}
		if h, err := lock.Inspect(e.Path); err == nil && h != nil {
			e.DaemonRunning, e.PID = true, h.PID
		}
		entries = append(entries, e)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, e := range entries {
		running := "stopped"
		if e.DaemonRunning {
			running = fmt.Sprintf("running, pid %d", e.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", e.Name, e.Path, running)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: smsctl %s", usage)
	}
}

type cli struct {
	client *client.Client
	json   bool
}

func (c *cli) call(ctx context.Context, method string, req map[string]any) map[string]any {
	resp, err := c.client.Call(ctx, method, req)
	if err != nil {
		fatalf("%v", err)
	}
	return resp.AsMap()
}

// printed reports whether resp was written as JSON.
func (c *cli) printed(resp map[string]any) bool {
	if !c.json {
		return false
	}
	outputJSON(resp)
	return true
}

func (c *cli) status(ctx context.Context) {
	resp := c.call(ctx, api.MethodGetStatus, nil)
	if c.printed(resp) {
		return
	}
	fmt.Printf("Session:  %s\n", resp["session"])
	fmt.Printf("Status:   %s\n", resp["state"])
	if reason, _ := resp["reason"].(string); reason != "" {
		fmt.Printf("Reason:   %s\n", reason)
	}
	fmt.Printf("Lines:    %s\n", joinAny(resp["lines"]))
	fmt.Printf("Messages: %.0f\n", resp["message_count"])
	fmt.Printf("Syncing:  %v\n", resp["sync_in_progress"])
	fmt.Printf("Uptime:   %s\n", (time.Duration(num(resp["uptime_ms"])) * time.Millisecond).Round(time.Second))
}

func (c *cli) sync(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	full := fs.Bool("full", false, "sync the whole retention window")
	_ = fs.Parse(args)

	req := map[string]any{"mode": "partial"}
	if *full {
		req["mode"] = "full"
	}
	if lines := fs.Args(); len(lines) > 0 {
		list := make([]any, len(lines))
		for i, l := range lines {
			list[i] = l
		}
		req["lines"] = list
	}
	resp := c.call(ctx, api.MethodSync, req)
	if c.printed(resp) {
		return
	}
	fmt.Printf("Run %s (%s): %.0f new messages\n", resp["run_id"], resp["mode"], resp["new_messages"])
	failed, _ := resp["failed_lines"].(map[string]any)
	for line, err := range failed {
		fmt.Printf("  %s failed: %v\n", line, err)
	}
	if cancelled, _ := resp["cancelled"].(bool); cancelled {
		fmt.Println("  run was cancelled")
	}
}

func (c *cli) send(ctx context.Context, line, contact, text string) {
	resp := c.call(ctx, api.MethodSend, map[string]any{"line": line, "contact": contact, "text": text})
	if c.printed(resp) {
		return
	}
	c.printOutcomes(resp)
}

func (c *cli) resubmit(ctx context.Context, arg string) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fatalf("invalid local id %q", arg)
	}
	resp := c.call(ctx, api.MethodResubmit, map[string]any{"local_id": id})
	if c.printed(resp) {
		return
	}
	c.printOutcomes(resp)
}

func (c *cli) printOutcomes(resp map[string]any) {
	outcomes, _ := resp["outcomes"].([]any)
	failed := false
	for _, o := range outcomes {
		m, _ := o.(map[string]any)
		fmt.Printf("#%.0f %s", m["local_id"], m["state"])
		if errText, ok := m["error"].(string); ok {
			failed = true
			fmt.Printf(": %s", errText)
			if retry, _ := m["retryable"].(bool); retry {
				fmt.Print(" (retryable)")
			}
		}
		fmt.Println()
	}
	if failed {
		os.Exit(2)
	}
}

func (c *cli) list(ctx context.Context, line, contact, filter string) {
	resp := c.call(ctx, api.MethodListConversation, map[string]any{"line": line, "contact": contact, "filter": filter})
	if c.printed(resp) {
		return
	}
	msgs, _ := resp["messages"].([]any)
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	// Newest first from the daemon; print oldest first like a chat log.
	for i := len(msgs) - 1; i >= 0; i-- {
		m, _ := msgs[i].(map[string]any)
		arrow := "<"
		if m["direction"] == "outgoing" {
			arrow = ">"
		}
		mark := ""
		if m["state"] != "sent" {
			mark = fmt.Sprintf(" [%s]", m["state"])
		}
		fmt.Printf("%s %s #%.0f%s %s\n", shortTime(m["timestamp"]), arrow, m["local_id"], mark, m["text"])
	}
}

func (c *cli) conversations(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	archived := fs.Bool("archived", false, "include archived conversations")
	_ = fs.Parse(args)

	resp := c.call(ctx, api.MethodListConversations, map[string]any{"archived": *archived})
	if c.printed(resp) {
		return
	}
	convs, _ := resp["conversations"].([]any)
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, v := range convs {
		conv, _ := v.(map[string]any)
		latest, _ := conv["latest"].(map[string]any)
		flags := ""
		if n := num(conv["unread_count"]); n > 0 {
			flags += fmt.Sprintf(" (%d unread)", n)
		}
		if a, _ := conv["archived"].(bool); a {
			flags += " [archived]"
		}
		fmt.Printf("%s -> %-12s %s%s  %s\n", conv["line"], conv["contact"], shortTime(latest["timestamp"]), flags, firstLine(latest["text"]))
	}
}

func (c *cli) conversationOp(ctx context.Context, cmd, line, contact string) {
	req := map[string]any{"line": line, "contact": contact}
	var method string
	switch cmd {
	case "read":
		method = api.MethodMarkRead
	case "unread":
		method = api.MethodMarkUnread
	case "delete":
		method = api.MethodDeleteConversation
	case "restore":
		method = api.MethodRestoreConversation
	case "archive", "unarchive":
		method = api.MethodSetArchived
		req["archived"] = cmd == "archive"
	}
	resp := c.call(ctx, method, req)
	if c.printed(resp) {
		return
	}
	if n, ok := resp["restored"]; ok {
		fmt.Printf("Restored %.0f messages.\n", n)
		return
	}
	fmt.Println("OK")
}

func (c *cli) draft(ctx context.Context, line, contact, text string) {
	resp := c.call(ctx, api.MethodCompose, map[string]any{"line": line, "contact": contact, "text": text})
	if c.printed(resp) {
		return
	}
	if text == "" {
		fmt.Println("Draft cleared.")
		return
	}
	fmt.Println("Draft saved.")
}

func (c *cli) watch(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	line := ""
	if len(args) > 0 {
		line = args[0]
	}
	stream, err := c.client.WatchUnread(ctx, line)
	if err != nil {
		fatalf("%v", err)
	}
	for {
		notice, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fatalf("%v", err)
		}
		c.printNotice(notice)
	}
}

func (c *cli) printNotice(notice *structpb.Struct) {
	m := notice.AsMap()
	if c.printed(m) {
		return
	}
	latest, _ := m["latest"].(map[string]any)
	fmt.Printf("%s %s -> %s (%.0f new): %s\n", shortTime(latest["timestamp"]), m["contact"], m["line"], m["new_unread"], firstLine(latest["text"]))
}

func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func joinAny(v any) string {
	list, _ := v.([]any)
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, fmt.Sprint(item))
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}

func shortTime(v any) string {
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04")
}

func firstLine(v any) string {
	s, _ := v.(string)
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
