package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/pretty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/offline-keeper/internal/auth"
	"github.com/and161185/offline-keeper/internal/convert"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/playback"
	"github.com/and161185/offline-keeper/internal/service"
)

func login(c *cli.Context) error {
	token := c.Args().First()
	if token == "" {
		return cli.Exit("usage: keeper login TOKEN", 2)
	}
	s, err := auth.ParseSession(token)
	if err != nil {
		return err
	}
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Token = token
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "logged in as %s\n", s.UserID)
	return nil
}

func download(c *cli.Context) error {
	ids := c.Args().Slice()
	if len(ids) == 0 {
		return cli.Exit("usage: keeper download TRACK_ID...", 2)
	}
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()
	userID, err := a.user()
	if err != nil {
		return err
	}

	ctx, cancel := withSignals(c)
	defer cancel()

	if n, err := a.downloader.RetryPending(ctx); err != nil {
		a.log.Warn("pending pairings not registered", zap.Error(err))
	} else if n > 0 {
		fmt.Fprintf(a.out, "registered %d pending pairing(s)\n", n)
	}

	// one failing track must not cancel the others
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []error
	)
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(a.out, format, args...)
	}
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, fmt.Errorf("%s: %w", id, err))
	}
	g.SetLimit(max(1, c.Int(flagJobs)))
	for _, id := range ids {
		g.Go(func() error {
			if a.library.IsOffline(id) {
				report("%s already offline\n", id)
				return nil
			}
			meta, err := a.client.Track(ctx, id)
			if err != nil {
				fail(id, err)
				return nil
			}
			err = a.downloader.Download(ctx, userID, meta)
			switch {
			case errors.Is(err, errs.ErrPairingPending):
				report("%s saved (%s), pairing registration pending\n", id, meta.Title)
			case err != nil:
				fail(id, err)
			default:
				report("%s saved (%s)\n", id, meta.Title)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}

func play(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("usage: keeper play TRACK_ID", 2)
	}
	serve := c.String(flagServe)
	if serve != "" {
		if err := playback.ValidateLoopback(serve); err != nil {
			return cli.Exit(fmt.Sprintf("--serve %q: %v", serve, err), 2)
		}
	}
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()
	userID, err := a.user()
	if err != nil {
		return err
	}

	ctx, cancel := withSignals(c)
	defer cancel()

	h, err := a.player.Open(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("%w (%s)", err, service.Classify(err))
	}
	defer h.Release()
	a.saveState(ctx, id, serve != "")

	if serve == "" {
		return writeTrack(c.String(flagOut), a.out, h.Bytes)
	}
	return a.serve(ctx, serve, h.ID())
}

func writeTrack(path string, stdout io.Writer, data func() ([]byte, error)) error {
	b, err := data()
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// serve exposes the current handle until ctx ends; a new play in another process does not affect it.
func (a *app) serve(ctx context.Context, addr, handleID string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/play/", a.session)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	fmt.Fprintf(a.out, "http://%s/play/%s\n", ln.Addr(), handleID)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) saveState(ctx context.Context, trackID string, playing bool) {
	rec, err := a.store.Get(ctx, trackID)
	if err != nil {
		return
	}
	if err := a.store.SetPlayerState(ctx, convert.ToPlayerState(rec.Metadata, 0, playing)); err != nil {
		a.log.Warn("save player state", zap.Error(err))
	}
}

func list(c *cli.Context) error {
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()

	tracks, err := a.library.List(c.Context)
	if err != nil {
		return err
	}
	if c.Bool(flagJSON) {
		b, err := json.Marshal(tracks)
		if err != nil {
			return err
		}
		_, err = a.out.Write(pretty.Pretty(b))
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCREATOR\tSIZE\tDOWNLOADED")
	for _, t := range tracks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Title, t.CreatorName,
			humanBytes(t.EncryptedSize), t.DownloadedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func remove(c *cli.Context) error {
	ids := c.Args().Slice()
	if len(ids) == 0 {
		return cli.Exit("usage: keeper rm TRACK_ID...", 2)
	}
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed []error
	for _, id := range ids {
		if err := a.library.Remove(c.Context, id); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(a.out, "%s removed\n", id)
	}
	return errors.Join(failed...)
}

func usage(c *cli.Context) error {
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.library.TotalStorageUsed(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\n", humanBytes(n), a.cfg.DataDir)
	return nil
}

func resume(c *cli.Context) error {
	a, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.GetPlayerState(c.Context)
	if errors.Is(err, errs.ErrNotFound) {
		fmt.Fprintln(a.out, "nothing to resume")
		return nil
	}
	if err != nil {
		return err
	}
	avail := "offline"
	if !a.library.IsOffline(st.Track.ID) {
		avail = "stream only"
	}
	fmt.Fprintf(a.out, "%s\t%s\t%.0f%%\t%s\n", st.Track.ID, st.Track.Title, st.Progress, avail)
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
