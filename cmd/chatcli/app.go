package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/rental-chat/internal/auth"
	"github.com/suPer8Hu/rental-chat/internal/client"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/config"
	"github.com/suPer8Hu/rental-chat/internal/intent"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"github.com/suPer8Hu/rental-chat/internal/retry"
	"github.com/suPer8Hu/rental-chat/internal/store/localstore"
	"go.uber.org/zap"
)

const (
	keyDeviceID = "device_id"
	keyToken    = "auth_token"
)

// app is the per-invocation state shared by all commands.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	store  *localstore.Store
	client *client.Client
	out    io.Writer
	errOut io.Writer

	token string
}

type globalFlags struct {
	dataDir string
	server  string
	verbose bool
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rental-chat"
	}
	return filepath.Join(home, ".rental-chat")
}

func defaultServer() string {
	if v := os.Getenv("CHAT_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newApp(cmd *cobra.Command, f *globalFlags) (*app, error) {
	_ = godotenv.Load()
	cfg := config.Load()

	level := "warn"
	if f.verbose {
		level = "debug"
	}
	zl, err := logger.New(logger.Config{Level: level, Dev: true})
	if err != nil {
		return nil, err
	}

	st, err := localstore.Open(f.dataDir)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	deviceID, ok, err := st.Get(ctx, keyDeviceID)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if !ok {
		deviceID = uuid.NewString()
		if err := st.Set(ctx, keyDeviceID, deviceID); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	token, _, err := st.Get(ctx, keyToken)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		log:    zl,
		store:  st,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		token:  token,
	}
	a.client = client.New(f.server, deviceID, func() string { return a.token }, cfg.RequestTimeout)
	return a, nil
}

func (a *app) close() {
	_ = a.store.Close()
	_ = a.log.Sync()
}

func (a *app) signedIn() bool { return a.token != "" }

func (a *app) identity() (string, error) {
	if !a.signedIn() {
		return "", nil
	}
	return auth.SubjectUnverified(a.token)
}

func (a *app) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    a.cfg.RetryMaxAttempts,
		BaseDelay:      a.cfg.RetryBaseDelay,
		AttemptTimeout: a.cfg.RequestTimeout,
	}
}

// coordinator resolves deferred intents through the API and prints the
// navigation directive.
func (a *app) coordinator() *intent.Coordinator {
	return intent.NewCoordinator(a.store, a.client,
		intent.NavigatorFunc(func(sessionID string) {
			fmt.Fprintf(a.out, "Opening chat %s\n", sessionID)
		}),
		intent.NotifierFunc(func(msg string) {
			fmt.Fprintln(a.errOut, msg)
		}),
		a.log,
	)
}

// retryable reports whether another attempt could change the outcome.
func retryable(err error) bool {
	return common.IsRetryable(err) && !errors.Is(err, client.ErrUnauthorized)
}

// resolveNow retries transient failures and gives up at the first permanent one.
func (a *app) resolveNow(ctx context.Context, applicationID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var permanent error
	sid, err := retry.Do(ctx, a.policy(), func(ctx context.Context, _ int) (string, error) {
		sid, err := a.client.ResolveSession(ctx, applicationID)
		if err != nil && !retryable(err) {
			permanent = err
			cancel()
		}
		return sid, err
	})
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	fmt.Fprintf(a.out, "Opening chat %s\n", sid)
	return nil
}
