package commands

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"bulkbot/internal/app"
	"bulkbot/internal/config"
)

// loadEnv reads the dotenv file named by --env, then the process environment.
func loadEnv(cmd *cli.Command) (config.Env, error) {
	if f := cmd.String("env"); f != "" {
		if err := config.LoadDotEnv(f); err != nil {
			return config.Env{}, err
		}
	}
	return config.ParseEnv(nil)
}

// ServeAction runs the server until a signal arrives or a component fails.
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	a, err := app.NewApp(cmd.String("config"), env)
	if err != nil {
		return err
	}

	stopCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	if err := a.Start(ctx); err != nil {
		c, cancel := stopCtx()
		defer cancel()
		_ = a.Stop(c, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = app.StopSignal
		}
	}

	c, cancel := stopCtx()
	defer cancel()
	_ = a.Stop(c, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
