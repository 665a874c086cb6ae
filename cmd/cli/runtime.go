package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/offline-keeper/internal/auth"
	"github.com/and161185/offline-keeper/internal/backend"
	"github.com/and161185/offline-keeper/internal/config"
	"github.com/and161185/offline-keeper/internal/device"
	"github.com/and161185/offline-keeper/internal/playback"
	"github.com/and161185/offline-keeper/internal/repository/localstore"
	"github.com/and161185/offline-keeper/internal/service"
)

const (
	probeTimeout = 2 * time.Second
	probeTTL     = 5 * time.Second
)

// app is everything a command needs, built from flags and the config file.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *zap.Logger
	out     io.Writer
	errOut  io.Writer

	store    *localstore.Store
	client   *backend.Client
	keys     *device.KeyCache
	identity *device.Identity
	session  *playback.Session
	conn     service.Connectivity

	downloader *service.Downloader
	player     *service.Player
	library    *service.Library
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	c.OutputPaths = []string{"stderr"}
	return c.Build()
}

func loadConfig(c *cli.Context) (*config.Config, string, error) {
	path := c.String(flagConfig)
	optional := path == ""
	if optional {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newRuntime wires storage, identity, backend and the three services.
func newRuntime(c *cli.Context) (*app, error) {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(c.Bool(flagVerbose))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := localstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	client, err := backend.New(cfg.BackendURL, cfg.Token, backend.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		cfgPath:  path,
		log:      log,
		out:      c.App.Writer,
		errOut:   c.App.ErrWriter,
		store:    store,
		client:   client,
		keys:     device.NewKeyCache(cfg.KeyCacheTTL),
		identity: device.NewIdentity(device.CurrentSignals(cfg.UserAgent), device.NewFileIdentityStore(cfg.SaltPath())),
		session:  playback.NewSession(),
	}
	if a.errOut == nil {
		a.errOut = os.Stderr
	}
	if c.Bool(flagOffline) {
		a.conn = service.StaticConnectivity(false)
	} else {
		a.conn = client.NewProbe(probeTimeout, probeTTL)
	}

	a.downloader = service.NewDownloader(store, client, a.identity, a.keys, log.Named("download"),
		service.WithProgressObserver(a.printProgress))
	a.player = service.NewPlayer(store, client, a.conn, a.identity, a.keys, a.session, log.Named("player"))
	a.library = service.NewLibrary(store, a.session, log.Named("library"))
	return a, nil
}

func (a *app) Close() {
	a.session.Stop()
	a.keys.Purge()
	a.keys.Stop()
	_ = a.log.Sync()
}

// user returns the id of the configured account. The token is not verified locally.
func (a *app) user() (string, error) {
	s, err := auth.ParseSession(a.cfg.Token)
	if err != nil {
		return "", err
	}
	if s.Expired(time.Now()) {
		a.log.Warn("access token expired; offline playback still works", zap.Time("expires_at", s.ExpiresAt))
	}
	return s.UserID, nil
}

func (a *app) printProgress(p service.Progress) {
	if p.Err != nil {
		fmt.Fprintf(a.errOut, "%s: %s: %v\n", p.TrackID, p.State, p.Err)
		return
	}
	fmt.Fprintf(a.errOut, "%s: %-14s %3d%%\n", p.TrackID, p.State, p.Percent)
}

func withSignals(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
}
