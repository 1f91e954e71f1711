// Command mark runs the invoice-processing core: webhook intake, the
// event queue and consumer, the purchase cache, and the maintenance
// scheduler, wired together by internal/app.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/everclearorg/mark/internal/app"
	"github.com/everclearorg/mark/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file present; defaults and real environment variables
		// still apply.
	}

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize mark:", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		if err := a.Shutdown(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "error during shutdown:", err)
			os.Exit(1)
		}
		<-errCh
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, "mark exited with error:", err)
			_ = a.Shutdown(context.Background())
			os.Exit(1)
		}
	}

	os.Exit(0)
}
