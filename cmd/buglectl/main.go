package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/bugle/internal/api"
	"github.com/matheus3301/bugle/internal/config"
	"github.com/matheus3301/bugle/internal/profile"
)

const callTimeout = 10 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	socketFlag := flag.String("socket", "", "control socket path (defaults to the profile directory)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Profile management works without a running daemon.
	if args[0] == "profile" {
		cmdProfile(args[1:])
		return
	}

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}
	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = profile.SocketPath(name)
	}
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	method, req, err := request(args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	timeout := callTimeout
	if method == "StartSync" {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fail(err)
	}
	if *jsonFlag {
		outputJSON(resp)
		return
	}
	printResult(args[0], resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: buglectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                           Show daemon and sync status")
	fmt.Fprintln(os.Stderr, "  sync [full]                      Run a sync")
	fmt.Fprintln(os.Stderr, "  ingest key=value...              Ingest a provider message")
	fmt.Fprintln(os.Stderr, "  conversations [archived]         List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [limit]  List messages")
	fmt.Fprintln(os.Stderr, "  delete <message>                 Delete a message")
	fmt.Fprintln(os.Stderr, "  seen [conversation]              Mark messages seen")
	fmt.Fprintln(os.Stderr, "  read <conversation>              Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  draft <conversation> [text]      Show or write a draft")
	fmt.Fprintln(os.Stderr, "  draft <conversation> --clear     Clear a draft")
	fmt.Fprintln(os.Stderr, "  archive <conversation> [false]   Archive or unarchive")
	fmt.Fprintln(os.Stderr, "  block <destination> [false]      Block or unblock a destination")
	fmt.Fprintln(os.Stderr, "  focus <conversation>             Suppress notifications for a conversation (0 clears)")
	fmt.Fprintln(os.Stderr, "  notifications                    List posted notifications")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                   Stream change events")
	fmt.Fprintln(os.Stderr, "  profile list                     List known profiles")
	fmt.Fprintln(os.Stderr, "  profile default <name>           Set the default profile")
}

// request maps a command line onto a control method and its arguments.
func request(cmd string, args []string) (string, map[string]any, error) {
	switch cmd {
	case "status":
		return "GetSyncStatus", map[string]any{}, nil
	case "sync":
		return "StartSync", map[string]any{"full": len(args) > 0 && args[0] == "full"}, nil
	case "ingest":
		req, err := keyValues(args)
		return "IngestMessage", req, err
	case "conversations":
		return "ListConversations", map[string]any{"archived": len(args) > 0 && args[0] == "archived"}, nil
	case "messages":
		req, err := withID("conversation_id", args)
		if err == nil && len(args) > 1 {
			req["limit"], err = strconv.ParseInt(args[1], 10, 64)
		}
		return "ListMessages", req, err
	case "delete":
		req, err := withID("message_id", args)
		return "DeleteMessage", req, err
	case "seen":
		if len(args) == 0 {
			return "MarkSeen", map[string]any{}, nil
		}
		req, err := withID("conversation_id", args)
		return "MarkSeen", req, err
	case "read":
		req, err := withID("conversation_id", args)
		return "MarkRead", req, err
	case "draft":
		req, err := withID("conversation_id", args)
		if err != nil || len(args) == 1 {
			return "ReadDraft", req, err
		}
		if args[1] == "--clear" {
			req["clear"] = true
		} else {
			req["text"] = strings.Join(args[1:], " ")
		}
		return "WriteDraft", req, nil
	case "archive":
		req, err := withID("conversation_id", args)
		if err == nil {
			req["archived"] = len(args) < 2 || args[1] != "false"
		}
		return "ArchiveConversation", req, err
	case "block":
		if len(args) == 0 {
			return "", nil, fmt.Errorf("block needs a destination")
		}
		return "BlockDestination", map[string]any{
			"destination": args[0],
			"blocked":     len(args) < 2 || args[1] != "false",
		}, nil
	case "focus":
		req, err := withID("conversation_id", args)
		return "FocusConversation", req, err
	case "notifications":
		return "GetNotificationState", map[string]any{}, nil
	}
	return "", nil, fmt.Errorf("unknown command: %s", cmd)
}

func withID(key string, args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, args[0])
	}
	return map[string]any{key: id}, nil
}

// keyValues parses key=value pairs. Integers and booleans keep their type;
// "recipients" takes a comma separated list.
func keyValues(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch {
		case k == "recipients":
			var list []any
			for r := range strings.SplitSeq(v, ",") {
				list = append(list, strings.TrimSpace(r))
			}
			out[k] = list
		case k == "text" || k == "sender" || k == "uri" || k == "subject":
			out[k] = v
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out[k] = n
			} else if b, err := strconv.ParseBool(v); err == nil {
				out[k] = b
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}

func printResult(cmd string, resp map[string]any) {
	switch cmd {
	case "status":
		fmt.Printf("Profile: %v\n", resp["profile"])
		fmt.Printf("Status:  %v\n", resp["status"])
		if r, _ := resp["reason"].(string); r != "" {
			fmt.Printf("Reason:  %s\n", r)
		}
		fmt.Printf("Syncing: %v\n", resp["syncing"])
		if ts, _ := resp["last_full_sync"].(float64); ts > 0 {
			fmt.Printf("Last full sync: %s\n", time.UnixMilli(int64(ts)).Format(time.RFC3339))
		}
	case "conversations":
		list, _ := resp["conversations"].([]any)
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return
		}
		for _, item := range list {
			c, _ := item.(map[string]any)
			fmt.Printf("%-6v %-24v %v\n", c["id"], c["name"], c["snippet"])
		}
	case "messages":
		list, _ := resp["messages"].([]any)
		for _, item := range list {
			m, _ := item.(map[string]any)
			ts, _ := m["received_timestamp"].(float64)
			fmt.Printf("%-6v %s  %v\n", m["id"], time.UnixMilli(int64(ts)).Format(time.DateTime), m["text"])
		}
	case "notifications":
		list, _ := resp["notifications"].([]any)
		if len(list) == 0 {
			fmt.Println("No notifications posted.")
			return
		}
		for _, item := range list {
			n, _ := item.(map[string]any)
			fmt.Printf("%-20v %v: %v\n", n["tag"], n["title"], n["content"])
		}
	default:
		outputJSON(resp)
	}
}

func cmdWatch(c *api.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.WatchChanges(ctx, prefix)
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if err := enc.Encode(evt); err != nil {
			fail(err)
		}
	}
}

func cmdProfile(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: buglectl profile <list|default <name>>")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		names, err := profile.List()
		if err != nil {
			fail(err)
		}
		if len(names) == 0 {
			fmt.Println("No profiles found.")
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case "default":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: buglectl profile default <name>")
			os.Exit(1)
		}
		if err := profile.ValidateName(args[1]); err != nil {
			fail(err)
		}
		cfg, err := config.LoadOrDefault(profile.ConfigPath())
		if err != nil {
			fail(err)
		}
		cfg.DefaultProfile = args[1]
		if err := config.Save(profile.ConfigPath(), cfg); err != nil {
			fail(err)
		}
		fmt.Printf("Default profile: %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown profile subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
