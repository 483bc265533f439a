package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/stackur/pkg/config"
	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/interaction"
	"github.com/openfroyo/stackur/pkg/policy"
	"github.com/openfroyo/stackur/pkg/providers/aws"
	"github.com/openfroyo/stackur/pkg/stack"
	"github.com/openfroyo/stackur/pkg/stores"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

// env holds everything a command needs to act on the manifest's stack.
type env struct {
	manifest *config.Manifest
	tel      *telemetry.Telemetry
	log      *telemetry.Logger
	policies *policy.Engine
	journal  *stores.SQLiteStore
	stack    *stack.Stack

	backend   engine.Backend
	stackOpts []stack.Option
}

type envOptions struct {
	// offline builds the stack without AWS clients or a journal. Only
	// Synthesize may be used on it.
	offline bool

	// autoApprove executes change sets without asking, whatever the
	// manifest says.
	autoApprove bool
}

// newTelemetry builds telemetry from the manifest. --verbose and LOG_LEVEL
// override the manifest's log level.
func newTelemetry(m *config.Manifest) (*telemetry.Telemetry, error) {
	cfg := m.Telemetry()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

func openEnv(ctx context.Context, opts envOptions) (*env, error) {
	m, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newEnv(ctx, m, opts)
}

func newEnv(ctx context.Context, m *config.Manifest, opts envOptions) (*env, error) {
	tel, err := newTelemetry(m)
	if err != nil {
		return nil, err
	}
	e := &env{
		manifest: m,
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("cli").WithStack(m.Stack),
	}

	e.policies, err = policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	if len(m.Policies) > 0 {
		if err := e.policies.LoadPolicies(ctx, m.Policies); err != nil {
			e.Close(ctx)
			return nil, err
		}
	}

	if opts.offline {
		e.stackOpts = []stack.Option{stack.WithTelemetry(tel)}
		e.build(m)
		return e, nil
	}

	if err := e.connect(ctx, opts); err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.build(m)
	return e, nil
}

// build creates the stack of m with the clients of the environment.
// Connection settings of m are not reread.
func (e *env) build(m *config.Manifest) {
	e.manifest = m
	e.stack = config.BuildStack(m, e.backend, e.stackOpts...)
}

// reload swaps in m and rebuilds the stack on the current engine, so its
// desired template carries over. Resources m no longer declares are removed
// and deleted by the next commit. It returns the logical ids removed.
func (e *env) reload(m *config.Manifest) []string {
	removed := e.stack.RemoveResources(config.RemovedResources(e.manifest, m)...)
	opts := append(append([]stack.Option(nil), e.stackOpts...), stack.WithEngine(e.stack.Engine()))
	e.manifest = m
	e.stack = config.BuildStack(m, e.backend, opts...)
	return removed
}

// connect creates the AWS clients and opens the journal.
func (e *env) connect(ctx context.Context, opts envOptions) error {
	m := e.manifest

	creds := aws.Credentials{Profile: m.Profile}
	if m.CredentialsFile != "" {
		var err error
		if creds, err = aws.LoadSecretsFile(m.CredentialsFile); err != nil {
			return err
		}
	}
	if m.Region != "" {
		creds.Region = m.Region
	}

	cfg, err := aws.LoadConfig(ctx, creds)
	if err != nil {
		return err
	}

	clientOpts := []aws.Option{aws.WithMetrics(e.tel.Metrics), aws.WithLogger(e.tel.Logger)}
	e.backend = aws.NewCloudFormation(cfg, clientOpts...)
	objects := aws.NewS3(cfg, clientOpts...)
	operator := aws.OperatorName(ctx, aws.NewSTSClient(cfg))

	engineOpts := []engine.Option{
		engine.WithOperator(operator),
		engine.WithPolicy(e.policies),
	}
	if m.Journal.Enabled {
		if err := e.openJournal(ctx); err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithJournal(e.journal))
	}

	stackOpts := []stack.Option{
		stack.WithTelemetry(e.tel),
		stack.WithObjectStore(objects),
		stack.WithEngineOptions(engineOpts...),
	}

	interactive := m.Interactive && !opts.autoApprove
	if interactive {
		if !interaction.IsTerminal(os.Stdin) {
			return fmt.Errorf("stack %s is interactive but stdin is not a terminal; pass --yes to commit without confirmation", m.Stack)
		}
		stackOpts = append(stackOpts, stack.WithGate(interaction.NewPrompt(os.Stdin, os.Stdout)))
	}
	e.stackOpts = append(stackOpts, stack.WithInteractive(interactive))

	e.log.WithField("operator", operator).
		WithField("region", cfg.Region).
		Debug("Connected to AWS")
	return nil
}

func (e *env) openJournal(ctx context.Context) error {
	path := e.manifest.Journal.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	e.journal = store
	return nil
}

// prune drops journaled runs older than the manifest's retention.
func (e *env) prune(ctx context.Context) {
	retention := e.manifest.Journal.Retention
	if e.journal == nil || retention <= 0 {
		return
	}

	n, err := e.journal.DeleteRunsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		e.log.WithError(err).Warn("Failed to prune journal")
		return
	}
	if n > 0 {
		e.log.Infof("Pruned %d runs older than %s", n, retention)
	}
}

// Close releases the journal and flushes telemetry.
func (e *env) Close(ctx context.Context) {
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.log.WithError(err).Warn("Failed to close journal")
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		e.log.WithError(err).Warn("Failed to shut down telemetry")
	}
}
