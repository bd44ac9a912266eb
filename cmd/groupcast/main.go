package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"groupcast/internal/app"
	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/media"
)

const (
	exitStartup = 1
	exitRun     = 2
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with GROUPCAST_* overrides (ignored if missing)")
	flag.Usage = usage
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: env:", err)
		os.Exit(exitStartup)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfgPath, flag.Args())
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, cfgPath string, args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve(ctx, cfgPath)
	case "send":
		return send(ctx, cfgPath, args)
	default:
		usage()
		return exitStartup
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  %[1]s [-config file] [serve]\n  %[1]s [-config file] send [-message text] [file ...]\n\nflags:\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func serve(ctx context.Context, cfgPath string) int {
	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitStartup
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return exitStartup
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitStartup
	}
	return 0
}

func send(ctx context.Context, cfgPath string, args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	message := fs.String("message", "", "message text (caption when files are given)")
	_ = fs.Parse(args)

	req := dispatch.Request{Message: *message}
	for _, path := range fs.Args() {
		name := filepath.Base(path)
		if !media.Allowed(name) {
			fmt.Fprintf(os.Stderr, "%s: unsupported file type (allowed: %v)\n", name, media.AllowedExtensions())
			return exitStartup
		}
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			return exitStartup
		}
		req.Attachments = append(req.Attachments, dispatch.Attachment{Filename: name, Data: data, MimeType: media.MimeType(name)})
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitStartup
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

	out, err := a.Send(ctx, req, func(it dispatch.Item) {
		mark := "ok  "
		if !it.OK {
			mark = "FAIL"
		}
		fmt.Printf("%s %s\n", mark, it)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "not sent:", err)
		return exitRun
	}
	fmt.Printf("recipients=%d success=%d failure=%d\n", out.Recipients, out.Success, out.Failure)
	return 0
}
