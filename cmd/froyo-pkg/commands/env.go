package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/actuator"
	"github.com/openfroyo/froyopkg/pkg/config"
	"github.com/openfroyo/froyopkg/pkg/image"
	"github.com/openfroyo/froyopkg/pkg/imageplan"
	"github.com/openfroyo/froyopkg/pkg/policy"
	"github.com/openfroyo/froyopkg/pkg/stores"
	"github.com/openfroyo/froyopkg/pkg/telemetry"
	"github.com/openfroyo/froyopkg/pkg/transports/ssh"
)

// environment holds what a command builds from the configuration.
type environment struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	history *stores.SQLiteStore
	remote  *ssh.Client
}

// setup loads the configuration and starts telemetry. Callers must Close the
// returned environment.
func setup(cmd *cobra.Command) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	logger := tel.Logger.Zerolog()
	log.Logger = logger
	cmd.SetContext(tel.WithContext(cmd.Context()))

	return &environment{cfg: cfg, tel: tel, logger: logger}, nil
}

// Close releases the history database and the remote connection and
// flushes telemetry.
func (e *environment) Close(ctx context.Context) error {
	var errs []error
	if e.history != nil {
		errs = append(errs, e.history.Close())
	}
	if e.remote != nil {
		errs = append(errs, e.remote.Close())
	}
	errs = append(errs, e.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// connect returns the SSH client of the configured remote host, nil when
// the image is local.
func (e *environment) connect(ctx context.Context) (*ssh.Client, error) {
	r := e.cfg.Remote
	if !r.Enabled() || e.remote != nil {
		return e.remote, nil
	}

	sc := ssh.DefaultConfig(r.Host, r.User)
	sc.Port = r.Port
	sc.AuthMethod = ssh.AuthMethod(r.Auth)
	sc.Password = r.Password
	sc.PrivateKeyPath = r.PrivateKey
	if r.KnownHosts != "" {
		sc.KnownHostsPath = r.KnownHosts
	}
	sc.InsecureIgnoreHostKey = r.InsecureIgnoreHostKey
	sc.ConnectionTimeout = time.Duration(r.ConnectTimeout) * time.Second

	client, err := ssh.NewClient(sc, e.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", sc.Address(), err)
	}
	e.remote = client
	return client, nil
}

// image returns the configured image, reached over SFTP when a remote host
// is configured. opts are applied after the configured ones.
func (e *environment) image(ctx context.Context, opts ...image.Option) (*image.Image, error) {
	base := []image.Option{image.WithStateDir(e.cfg.Image.StateDir)}
	if e.cfg.Image.LiveRoot != nil {
		base = append(base, image.WithLiveRoot(*e.cfg.Image.LiveRoot))
	}
	remote, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		fsys, err := remote.FS(ctx)
		if err != nil {
			return nil, err
		}
		base = append(base, image.WithFS(fsys))
	}
	return image.New(e.cfg.Image.Root, append(base, opts...)...), nil
}

// actuator returns an actuator whose commands run on the remote host when
// one is configured.
func (e *environment) actuator(ctx context.Context) (*actuator.Actuator, error) {
	remote, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	var executor actuator.Executor
	if remote != nil {
		executor = remote
	}
	runner := actuator.NewCommandRunner(executor, actuator.Paths{
		Svcadm:  e.cfg.Actuator.Svcadm,
		Svcprop: e.cfg.Actuator.Svcprop,
		Svcs:    e.cfg.Actuator.Svcs,
	}, e.logger)
	runner.SetObserver(e.tel.Metrics)
	return actuator.New(
		actuator.WithRunner(runner),
		actuator.WithCommandsDir(e.cfg.Actuator.CommandsDir),
		actuator.WithLogger(e.logger),
	), nil
}

// services returns an actuator and the image it acts on.
func (e *environment) services(ctx context.Context) (*actuator.Actuator, *image.Image, error) {
	act, err := e.actuator(ctx)
	if err != nil {
		return nil, nil, err
	}
	img, err := e.image(ctx)
	if err != nil {
		return nil, nil, err
	}
	return act, img, nil
}

// openHistory opens and migrates the history database.
func (e *environment) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if e.history != nil {
		return e.history, nil
	}
	if !e.cfg.History.Enabled {
		return nil, errors.New("transaction history is disabled in the configuration")
	}

	path := e.cfg.HistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	e.history = store
	return store, nil
}

// policyEngine returns an engine with the built-in policies and those under
// the configured paths.
func (e *environment) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(e.logger)
	if err != nil {
		return nil, err
	}
	if len(e.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, e.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// transaction builds a transaction against img. record adds the history
// when it is enabled.
func (e *environment) transaction(ctx context.Context, img *image.Image, record bool) (*imageplan.Transaction, error) {
	act, err := e.actuator(ctx)
	if err != nil {
		return nil, err
	}
	opts := []imageplan.Option{
		imageplan.WithActuator(act),
		imageplan.WithTelemetry(e.tel),
		imageplan.WithLogger(e.logger),
	}
	if record && e.cfg.History.Enabled {
		history, err := e.openHistory(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, imageplan.WithHistory(history))
	}
	if e.cfg.Policy.Enabled {
		gate, err := e.policyEngine(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, imageplan.WithPolicy(gate, e.cfg.Policy.Protected...))
	}
	return imageplan.New(img, opts...), nil
}
