package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/dfchat/internal/client"
	"github.com/matheus3301/dfchat/internal/lock"
	"github.com/matheus3301/dfchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing sessions reads the filesystem and needs no daemon.
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	sessionName, err := session.ResolveFromConfig(*sessionFlag)
	if err != nil {
		fail(err)
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	cli := &cli{c: c, json: *jsonFlag}

	if args[0] == "watch" {
		cli.watch(args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cli.status(ctx)
	case "login":
		cli.login(ctx, args[1:])
	case "logout":
		cli.simple(ctx, "Session", "Logout", nil)
	case "connect":
		cli.simple(ctx, "Session", "Connect", nil)
	case "disconnect":
		cli.simple(ctx, "Session", "Disconnect", nil)
	case "chats":
		cli.chats(ctx)
	case "messages":
		cli.messages(ctx, "ListMessages", "messages", args[1:])
	case "older":
		cli.messages(ctx, "LoadOlderMessages", "older", args[1:])
	case "open":
		cli.messages(ctx, "OpenConversation", "open", args[1:])
	case "send":
		cli.send(ctx, args[1:])
	case "type":
		id := conversationArg(args[1:], "type <chat-id>")
		cli.simple(ctx, "Chat", "Keystroke", map[string]any{"conversation_id": id})
	case "create":
		cli.create(ctx, args[1:])
	case "search":
		cli.search(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dfchatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show session status")
	fmt.Fprintln(os.Stderr, "  login --user-id N --token T     Store an identity and connect")
	fmt.Fprintln(os.Stderr, "  logout                          Disconnect and forget the identity")
	fmt.Fprintln(os.Stderr, "  connect | disconnect            Open or close the real-time connection")
	fmt.Fprintln(os.Stderr, "  chats                           List conversations")
	fmt.Fprintln(os.Stderr, "  messages <chat-id>              Show loaded messages")
	fmt.Fprintln(os.Stderr, "  older <chat-id>                 Load the previous page of history")
	fmt.Fprintln(os.Stderr, "  open <chat-id>                  Open a conversation and mark it read (0 closes)")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>           Send a message")
	fmt.Fprintln(os.Stderr, "  type <chat-id>                  Signal typing")
	fmt.Fprintln(os.Stderr, "  create <user-id> [name] [email] Start a conversation")
	fmt.Fprintln(os.Stderr, "  search [--chat N] <query>       Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [namespace]               Stream daemon events")
	fmt.Fprintln(os.Stderr, "  sessions                        List local sessions")
}

type cli struct {
	c    *client.Client
	json bool
}

func (c *cli) call(ctx context.Context, service, method string, args map[string]any) *structpb.Struct {
	var (
		resp *structpb.Struct
		err  error
	)
	if service == "Session" {
		resp, err = c.c.Session(ctx, method, args)
	} else {
		resp, err = c.c.Chat(ctx, method, args)
	}
	if err != nil {
		fail(err)
	}
	return resp
}

// simple runs a call whose response is printed as-is.
func (c *cli) simple(ctx context.Context, service, method string, args map[string]any) {
	resp := c.call(ctx, service, method, args)
	if c.json {
		outputJSON(resp)
		return
	}
	m := resp.AsMap()
	if msg, ok := m["message"].(string); ok && msg != "" {
		fmt.Println(msg)
		return
	}
	fmt.Println("ok")
}

func (c *cli) status(ctx context.Context) {
	resp := c.call(ctx, "Session", "GetStatus", nil)
	if c.json {
		outputJSON(resp)
		return
	}
	f := resp.GetFields()
	fmt.Printf("Session:   %s\n", f["session"].GetStringValue())
	fmt.Printf("Status:    %s\n", f["status"].GetStringValue())
	if f["logged_in"].GetBoolValue() {
		fmt.Printf("User:      %d\n", int64(f["user_id"].GetNumberValue()))
	} else {
		fmt.Println("User:      (not logged in)")
	}
	fmt.Printf("Chats:     %d\n", int64(f["conversation_count"].GetNumberValue()))
	fmt.Printf("Pending:   %d\n", int64(f["pending"].GetNumberValue()))
	fmt.Printf("Cached:    %d messages\n", int64(f["cached_messages"].GetNumberValue()))
	fmt.Printf("Uptime:    %s\n", (time.Duration(f["uptime_ms"].GetNumberValue()) * time.Millisecond).Round(time.Second))
}

func (c *cli) login(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	userID := fs.Int64("user-id", 0, "user id issued by the service")
	token := fs.String("token", "", "session id issued by the service")
	_ = fs.Parse(args)
	if *userID <= 0 || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: dfchatctl login --user-id N --token T")
		os.Exit(1)
	}
	c.simple(ctx, "Session", "Login", map[string]any{"user_id": *userID, "session_id": *token})
}

func (c *cli) chats(ctx context.Context) {
	resp := c.call(ctx, "Chat", "ListConversations", nil)
	if c.json {
		outputJSON(resp)
		return
	}
	convs := resp.GetFields()["conversations"].GetListValue().GetValues()
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	active := int64(resp.GetFields()["active"].GetNumberValue())
	for _, v := range convs {
		f := v.GetStructValue().GetFields()
		id := int64(f["id"].GetNumberValue())
		marker := " "
		if id == active {
			marker = "*"
		}
		unread := ""
		if f["unread"].GetNumberValue() > 0 {
			unread = "(" + f["unread_label"].GetStringValue() + ")"
		}
		typing := ""
		if f["typing_user_id"].GetNumberValue() > 0 {
			typing = " typing..."
		}
		fmt.Printf("%s %-6d %-20s %-5s %-14s %s%s\n", marker, id,
			f["counterparty_name"].GetStringValue(), unread,
			f["last_activity_label"].GetStringValue(),
			preview(f["last_message_text"].GetStringValue()), typing)
	}
}

func (c *cli) messages(ctx context.Context, method, command string, args []string) {
	id := conversationArg(args, command+" <chat-id>")
	resp := c.call(ctx, "Chat", method, map[string]any{"conversation_id": id})
	if c.json {
		outputJSON(resp)
		return
	}
	msgs := resp.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, v := range msgs {
		printMessage(v.GetStructValue().GetFields())
	}
}

func (c *cli) send(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dfchatctl send <chat-id> <text>")
		os.Exit(1)
	}
	id := conversationArg(args[:1], "send <chat-id> <text>")
	resp := c.call(ctx, "Chat", "SendText", map[string]any{
		"conversation_id": id,
		"text":            strings.Join(args[1:], " "),
	})
	if c.json {
		outputJSON(resp)
		return
	}
	printMessage(resp.GetFields()["message"].GetStructValue().GetFields())
}

func (c *cli) create(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dfchatctl create <user-id> [name] [email]")
		os.Exit(1)
	}
	req := map[string]any{"user_id": conversationArg(args[:1], "create <user-id> [name] [email]")}
	if len(args) > 1 {
		req["name"] = args[1]
	}
	if len(args) > 2 {
		req["email"] = args[2]
	}
	resp := c.call(ctx, "Chat", "CreateConversation", req)
	if c.json {
		outputJSON(resp)
		return
	}
	f := resp.GetFields()
	conv := f["conversation"].GetStructValue().GetFields()
	verb := "Existing"
	if f["created"].GetBoolValue() {
		verb = "Created"
	}
	fmt.Printf("%s conversation %d with user %d\n", verb,
		int64(conv["id"].GetNumberValue()), int64(conv["counterparty_id"].GetNumberValue()))
}

func (c *cli) search(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	chatID := fs.Int64("chat", 0, "restrict to one conversation")
	limit := fs.Int("limit", 50, "maximum results")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dfchatctl search [--chat N] [--limit N] <query>")
		os.Exit(1)
	}
	resp := c.call(ctx, "Chat", "SearchMessages", map[string]any{
		"query":           strings.Join(fs.Args(), " "),
		"conversation_id": *chatID,
		"limit":           *limit,
	})
	if c.json {
		outputJSON(resp)
		return
	}
	results := resp.GetFields()["results"].GetListValue().GetValues()
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, v := range results {
		f := v.GetStructValue().GetFields()
		sent := time.UnixMilli(int64(f["sent_at_ms"].GetNumberValue())).Format("2006-01-02 15:04")
		fmt.Printf("[%d %s] %s  %s\n", int64(f["conversation_id"].GetNumberValue()),
			f["counterparty_name"].GetStringValue(), sent, f["text"].GetStringValue())
	}
}

func (c *cli) watch(args []string) {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.c.Watch(ctx, namespace, func(evt *structpb.Struct) error {
		if c.json {
			outputJSON(evt)
			return nil
		}
		f := evt.GetFields()
		at := time.UnixMilli(int64(f["occurred_at_ms"].GetNumberValue())).Format("15:04:05")
		payload, _ := protojson.Marshal(f["payload"])
		fmt.Printf("%s %-28s %s\n", at, f["kind"].GetStringValue(), payload)
		return nil
	})
	if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil || grpcstatus.Code(err) == codes.Canceled {
		return
	}
	fail(err)
}

func cmdSessions(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}

	type row struct {
		Name    string
		Running bool
		PID     int
		Since   string
	}
	var rows []any
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r := row{Name: e.Name()}
		if h, err := lock.ReadHolder(session.LockPath(e.Name())); err == nil && h.PID > 0 {
			r.Running = true
			r.PID = h.PID
			r.Since = h.StartedAt.Format(time.RFC3339)
		}
		if jsonOut {
			rows = append(rows, map[string]any{"name": r.Name, "running": r.Running, "pid": r.PID, "since": r.Since})
			continue
		}
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running (pid %d since %s)", r.PID, r.Since)
		}
		fmt.Printf("%-20s %s\n", r.Name, state)
	}
	if jsonOut {
		list, err := structpb.NewList(rows)
		if err != nil {
			fail(err)
		}
		outputJSON(list)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No sessions found.")
	}
}

func conversationArg(args []string, usage string) int64 {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: dfchatctl %s\n", usage)
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 0 {
		fmt.Fprintf(os.Stderr, "error: invalid id %q\n", args[0])
		os.Exit(1)
	}
	return id
}

func printMessage(f map[string]*structpb.Value) {
	who := "them"
	if f["from_me"].GetBoolValue() {
		who = "me"
	}
	state := ""
	switch {
	case f["failed"].GetBoolValue():
		state = " (failed)"
	case f["provisional"].GetBoolValue():
		state = " (sending)"
	}
	fmt.Printf("%-8s %-8s %-4s %s%s\n", f["id"].GetStringValue(), f["time_label"].GetStringValue(),
		who, f["text"].GetStringValue(), state)
}

func preview(s string) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) > 40 {
		return string(r[:39]) + "…"
	}
	return string(r)
}

func fail(err error) {
	if st, ok := grpcstatus.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			fmt.Fprintf(os.Stderr, "error: daemon unavailable: %s\n", st.Message())
		default:
			fmt.Fprintf(os.Stderr, "error: %s\n", st.Message())
		}
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
