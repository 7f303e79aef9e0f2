package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nprelay/internal/app"
)

func main() {
	var (
		cfgPath string
		envPath string
		onceURL bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "path to dotenv file (optional)")
	flag.BoolVar(&onceURL, "once-url", false, "print the subscription URL and exit")
	flag.Parse()

	opts := app.Options{ConfigPath: cfgPath, EnvPath: envPath}

	if onceURL {
		u, err := app.SubscriptionURL(opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		fmt.Println(u)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(stopCtx)
	stopCancel()
	cancel()

	code := app.ExitShutdown
	select {
	case <-a.Done():
		code = a.ExitCode()
	case <-time.After(time.Second):
		fmt.Fprintln(os.Stderr, "runner did not stop in time")
	}
	os.Exit(code)
}
