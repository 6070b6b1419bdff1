// Package main provides runctl, a command-line client for the runstream server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
	flag "github.com/spf13/pflag"

	"github.com/xiaot623/gogo/runstream/internal/adapter/runclient"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/hub"
)

const usage = `Usage: runctl <command> [flags]

Commands:
  run <message>      start a run and print its activities as they arrive
  watch              follow the frames of every run on a thread
  get <run_id>       show the stored state of a run
  executors          list the executors the server offers
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:])
	case "watch":
		err = watchCommand(ctx, os.Args[2:])
	case "get":
		err = getCommand(ctx, os.Args[2:])
	case "executors":
		err = executorsCommand(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func serverFlag(fs *flag.FlagSet) *string {
	return fs.StringP("server", "s", envOr("RUNSTREAM_SERVER", "http://localhost:8080"), "runstream server base URL")
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	server := serverFlag(fs)
	threadID := fs.StringP("thread", "t", "", "thread to run on (minted when empty)")
	executorName := fs.StringP("executor", "e", "", "executor to request")
	role := fs.String("role", string(domain.RoleUser), "role of the input message")
	idle := fs.Duration("idle-timeout", 0, "give up when no bytes arrive for this long")
	asJSON := fs.Bool("json", false, "print the final run as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return errors.New("run: a message is required")
	}

	client := runclient.NewClient(*server, runclient.WithIdleTimeout(*idle))
	printed := 0
	run, err := client.StartRun(ctx, *threadID, domain.StartRunRequest{
		Executor: *executorName,
		Input:    &domain.InputMessage{Role: domain.Role(*role), Content: content},
	}, func(r domain.Run) {
		if *asJSON {
			return
		}
		for ; printed < len(r.Activities); printed++ {
			a := r.Activities[printed]
			fmt.Printf("[%d] %s: %s\n", a.Position, a.Role, a.Content)
		}
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "abandoned run %s (the server keeps running it)\n", run.RunID)
		return nil
	}
	if err != nil && run.RunID == "" {
		return err
	}

	if *asJSON {
		return printJSON(run)
	}
	fmt.Printf("run %s on thread %s: %s\n", run.RunID, run.ThreadID, run.Status)
	if run.Failure != nil {
		fmt.Printf("failure (%s): %s\n", run.Failure.Kind, run.Failure.Detail)
	}
	if run.Status == domain.RunStatusFailed {
		os.Exit(1)
	}
	return nil
}

func watchCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := serverFlag(fs)
	threadID := fs.StringP("thread", "t", "", "thread to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *threadID == "" {
		return errors.New("watch: --thread is required")
	}

	url := "ws" + strings.TrimPrefix(strings.TrimSuffix(*server, "/"), "http") + "/v1/threads/" + *threadID + "/watch"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	fmt.Printf("Watching thread %s. Ctrl+C to stop.\n", *threadID)

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var ev hub.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("%s #%d %-8s %s\n", ev.RunID, ev.Seq, ev.Event, ev.Data)
	}
}

func getCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get: exactly one run id is required")
	}
	run, err := runclient.NewClient(*server).GetRun(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(run)
}

func executorsCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("executors", flag.ContinueOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	names, err := runclient.NewClient(*server).ListExecutors(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
