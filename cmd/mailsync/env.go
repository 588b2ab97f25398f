package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/protocol/fake"
	"github.com/nhle/mailsync/internal/store"
)

const memoryStore = ":memory:"

var errNoAccounts = errors.New("no accounts configured; run mailsync login")

type rootOptions struct {
	configPath string
	storePath  string
	logLevel   string
	offline    bool
	fake       bool
}

// env is everything a command needs once configuration is loaded.
type env struct {
	cfg      *model.AppConfig
	log      zerolog.Logger
	backend  store.Backend
	universe *account.Universe
	events   *app.OpEvents
	demo     *fake.Server
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.fake {
		cfg.Accounts = []model.AccountConfig{demoAccount()}
		if o.storePath == "" {
			cfg.Storage.Backend = "sqlite"
			cfg.Storage.Path = memoryStore
		}
	}
	if o.storePath != "" {
		cfg.Storage.Path = o.storePath
	}
	return cfg, nil
}

// setup opens the store and every enabled account. Accounts go online
// unless --offline was given.
func setup(ctx context.Context, o *rootOptions, logOut io.Writer) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logOut, cfg.Log)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Path != memoryStore {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	backend, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e := &env{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		universe: account.NewUniverse(log),
		events:   app.NewOpEvents(),
	}
	if o.fake {
		e.demo = newDemoServer(nowFunc())
	}

	creds := sync.OnceValues(credential.Open)
	for _, ac := range cfg.Accounts {
		if !ac.Enabled {
			continue
		}
		a, err := account.Open(ctx, ac, backend, e.dialer(ac, creds), account.Options{
			Log:    log,
			Limits: limits(cfg.Storage.MaxBlockBytes),
			Pool: pool.Options{
				MaxConnections: cfg.Pool.MaxConnections,
				OpenRate:       rate.Limit(cfg.Pool.OpenPerSecond),
				OpenBurst:      cfg.Pool.OpenBurst,
				Log:            log,
			},
			HistoryLimit:    cfg.Jobs.HistoryLimit,
			BisectThreshold: cfg.Sync.BisectThreshold,
			OnComplete:      e.events.Notify,
		})
		if err == nil {
			err = e.universe.Add(a)
		}
		if err != nil {
			e.Close(ctx)
			return nil, fmt.Errorf("opening account %s: %w", ac.ID, err)
		}
	}
	if len(e.universe.Accounts()) == 0 {
		e.Close(ctx)
		return nil, errNoAccounts
	}

	if !o.offline {
		e.universe.SetOnline(true)
	}
	return e, nil
}

// dialer connects to an account's server, reading its password from the
// keyring on first use so offline commands never touch the keyring.
func (e *env) dialer(
	ac model.AccountConfig,
	creds func() (*credential.Store, error),
) protocol.Dialer {
	if e.demo != nil {
		return protocol.DialerFunc(e.demo.Dial)
	}
	return protocol.DialerFunc(func(ctx context.Context) (protocol.Connection, error) {
		s, err := creds()
		if err != nil {
			return nil, err
		}
		password, err := s.Password(ac)
		if err != nil {
			return nil, &protocol.AuthError{Account: ac.ID, Message: err.Error()}
		}
		d := &protocol.IMAPDialer{
			Host:     ac.Host,
			Port:     ac.Port,
			Username: ac.Username,
			Password: password,
			TLS:      ac.TLS,
		}
		return d.Dial(ctx)
	})
}

// account picks the account named id, or the only one when id is empty.
func (e *env) account(id string) (*account.Account, error) {
	if id != "" {
		return e.universe.Account(id)
	}
	accounts := e.universe.Accounts()
	if len(accounts) > 1 {
		return nil, fmt.Errorf("%d accounts configured; pick one with --account", len(accounts))
	}
	return accounts[0], nil
}

// Close flushes and closes every account, then the store.
func (e *env) Close(ctx context.Context) {
	if err := e.universe.Close(ctx); err != nil {
		e.log.Error().Err(err).Msg("closing accounts")
	}
	if err := e.backend.Close(); err != nil {
		e.log.Error().Err(err).Msg("closing store")
	}
}

// limits scales the block split points to the configured block size.
func limits(maxBlockBytes int) blockstore.Limits {
	if maxBlockBytes <= 0 {
		return blockstore.DefaultLimits()
	}
	return blockstore.Limits{
		MaxBlockSize: maxBlockBytes,
		SmallPart:    maxBlockBytes / 3,
		EqualPart:    maxBlockBytes / 2,
		LargePart:    maxBlockBytes * 2 / 3,
	}
}
