// Command peerctl talks to a running peerd.
//
//	peerctl [-addr host:port] [-timeout d] [-codec json|cbor] <command> [args]
//
// Commands:
//
//	ping                        check that the agent answers
//	submit -category C -message M [-file F -line N -session S -subject P]
//	                            send work to a coordinator and print suggestions
//	status SESSION_ID           show one session
//	sessions                    list active sessions
//	end SESSION_ID              end a session
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"peerlink/client"
	"peerlink/codec"
	"peerlink/message"

	"github.com/fatih/color"
)

const (
	cliName  = "peerctl"
	peerName = "agent"
)

var (
	green  = color.New(color.FgGreen)
	cyan   = color.New(color.FgCyan)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	gray   = color.New(color.FgHiBlack)
)

func main() {
	addr := flag.String("addr", envOr("PEERLINK_ADDR", "127.0.0.1:8000"), "agent address")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	codecName := flag.String("codec", "json", "payload codec (json or cbor)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}
	ct, ok := codec.ParseCodecType(*codecName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown codec: %s\n", *codecName)
		os.Exit(2)
	}

	ctx := context.Background()
	cl := client.New(cliName, client.Options{
		RequestTimeout: *timeout,
		MaxRetries:     1,
		Codec:          ct,
	})
	defer cl.CloseAll()

	err := dispatch(ctx, cl, *addr, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		red.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cl *client.Client, addr, cmd string, args []string) error {
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "ping", "submit", "status", "sessions", "end":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if !cl.ConnectToPeer(ctx, peerName, addr) {
		return fmt.Errorf("cannot reach %s", addr)
	}

	w := os.Stdout
	switch cmd {
	case "ping":
		return cmdPing(ctx, cl, w)
	case "submit":
		return cmdSubmit(ctx, cl, w, args)
	case "status":
		if len(args) != 1 {
			return errors.New("usage: status SESSION_ID")
		}
		return cmdStatus(ctx, cl, w, args[0])
	case "sessions":
		return cmdSessions(ctx, cl, w)
	default:
		if len(args) != 1 {
			return errors.New("usage: end SESSION_ID")
		}
		return cmdEnd(ctx, cl, w, args[0])
	}
}

// call sends one request and turns a wire error into a Go error.
func call(ctx context.Context, cl *client.Client, method string, params map[string]any) (map[string]any, error) {
	resp, err := cl.SendRequest(ctx, peerName, message.NewRequest(method, params, cliName, peerName))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func cmdPing(ctx context.Context, cl *client.Client, w io.Writer) error {
	start := time.Now()
	res, err := call(ctx, cl, client.MethodPing, nil)
	if err != nil {
		return err
	}
	green.Fprint(w, "✓ ")
	cyan.Fprint(w, res["agent"])
	if role, _ := res["role"].(string); role != "" {
		gray.Fprintf(w, " (%s)", role)
	}
	fmt.Fprintf(w, " %v in %s\n", res["status"], time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdSubmit(ctx context.Context, cl *client.Client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	category := fs.String("category", "", "error category, e.g. name_error")
	msg := fs.String("message", "", "error message")
	file := fs.String("file", "", "source file")
	line := fs.Int("line", 0, "line number")
	session := fs.String("session", "", "session id (default: the active session)")
	subject := fs.String("subject", "", "project the work belongs to")
	severity := fs.String("severity", "", "severity label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *category == "" || *msg == "" {
		return errors.New("submit needs -category and -message")
	}

	work := map[string]any{
		"category":   *category,
		"message":    *msg,
		"file_path":  *file,
		"line":       *line,
		"session_id": *session,
		"subject":    *subject,
		"severity":   *severity,
	}
	res, err := call(ctx, cl, "process_work", map[string]any{"work": work})
	if err != nil {
		return err
	}

	gray.Fprintf(w, "session %v, %.3fs\n", res["session_id"], toFloat(res["processing_time"]))
	list, _ := res["suggestions"].([]any)
	if len(list) == 0 {
		yellow.Fprintln(w, "no suggestions")
		return nil
	}
	for i, item := range list {
		s, _ := item.(map[string]any)
		green.Fprintf(w, "%d. ", i+1)
		fmt.Fprintf(w, "%v ", s["title"])
		cyan.Fprintf(w, "[%.2f]", toFloat(s["score"]))
		gray.Fprintf(w, " %v\n", s["source"])
		if d, _ := s["description"].(string); d != "" {
			fmt.Fprintf(w, "   %s\n", d)
		}
		if p, _ := s["payload"].(string); p != "" {
			yellow.Fprintf(w, "   %s\n", p)
		}
	}
	return nil
}

func cmdStatus(ctx context.Context, cl *client.Client, w io.Writer, id string) error {
	res, err := call(ctx, cl, "get_session_status", map[string]any{"session_id": id})
	if err != nil {
		return err
	}
	printSession(w, res)
	return nil
}

func cmdSessions(ctx context.Context, cl *client.Client, w io.Writer) error {
	res, err := call(ctx, cl, "get_active_sessions", nil)
	if err != nil {
		return err
	}
	list, _ := res["sessions"].([]any)
	if len(list) == 0 {
		yellow.Fprintln(w, "no active sessions")
		return nil
	}
	for _, item := range list {
		if s, ok := item.(map[string]any); ok {
			printSession(w, s)
		}
	}
	return nil
}

func cmdEnd(ctx context.Context, cl *client.Client, w io.Writer, id string) error {
	if _, err := call(ctx, cl, "end_session", map[string]any{"session_id": id}); err != nil {
		return err
	}
	green.Fprint(w, "✓ ")
	fmt.Fprintf(w, "ended %s\n", id)
	return nil
}

func printSession(w io.Writer, s map[string]any) {
	cyan.Fprint(w, s["session_id"])
	if active, _ := s["active"].(bool); active {
		green.Fprint(w, " active")
	} else {
		gray.Fprint(w, " ended")
	}
	fmt.Fprintf(w, "  operations=%v outcomes=%v", toFloat(s["operation_count"]), toFloat(s["outcome_count"]))
	if subj, _ := s["subject"].(string); subj != "" {
		gray.Fprintf(w, "  %s", subj)
	}
	fmt.Fprintln(w)
}

// toFloat accepts the numeric types either codec may produce.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", cliName)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  ping                 check that the agent answers")
	fmt.Fprintln(os.Stderr, "  submit               send work to a coordinator (-category, -message, ...)")
	fmt.Fprintln(os.Stderr, "  status SESSION_ID    show one session")
	fmt.Fprintln(os.Stderr, "  sessions             list active sessions")
	fmt.Fprintln(os.Stderr, "  end SESSION_ID       end a session")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
