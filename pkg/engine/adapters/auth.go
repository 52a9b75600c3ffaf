package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/procutil"
)

// probeTimeout bounds a single logged-in check. Some provider CLIs take
// tens of seconds to answer, which is why callers cache the outcome.
const probeTimeout = 30 * time.Second

// CredentialStore removes stored provider credentials. It is an injected
// policy: adapters never read or write credential files themselves.
type CredentialStore interface {
	Clear(engineID string) error
}

// cliAuth probes authentication by running the provider CLI itself.
type cliAuth struct {
	engineID  string
	path      string
	probeArgs []string
	loginArgs []string
	env       []string
	creds     CredentialStore
}

// IsAuthenticated runs the provider's status command. A non-zero exit
// means "not logged in", not an error; only failures to run the probe at
// all are errors.
func (a *cliAuth) IsAuthenticated(ctx context.Context) (bool, error) {
	if len(a.probeArgs) == 0 {
		// No status command; the binary resolving at load time is the
		// whole check.
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.path, a.probeArgs...)
	cmd.Env = append(procutil.ChildEnv(), a.env...)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, engine.WrapError(engine.KindCancelled, a.engineID, ctx.Err())
	}
	return false, engine.WrapError(engine.KindAuthRequired, a.engineID,
		fmt.Errorf("auth probe failed: %w", err))
}

// EnsureAuth runs the provider's interactive login when the probe says
// the CLI is not logged in. The login gets the real terminal.
func (a *cliAuth) EnsureAuth(ctx context.Context) error {
	ok, err := a.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if len(a.loginArgs) == 0 {
		return engine.NewError(engine.KindAuthRequired, a.engineID,
			"not authenticated and no login command available")
	}

	cmd := exec.CommandContext(ctx, a.path, a.loginArgs...)
	cmd.Env = append(procutil.ChildEnv(), a.env...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return engine.WrapError(engine.KindAuthRequired, a.engineID,
			fmt.Errorf("login failed: %w", err))
	}
	return nil
}

// ClearAuth delegates to the injected credential store.
func (a *cliAuth) ClearAuth() error {
	if a.creds == nil {
		return nil
	}
	return a.creds.Clear(a.engineID)
}
