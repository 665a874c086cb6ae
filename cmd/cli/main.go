// Command keeper is the offline-playback client: download tracks for offline use, play and manage them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const (
	flagConfig  = "config"
	flagOffline = "offline"
	flagVerbose = "verbose"
	flagJSON    = "json"
	flagJobs    = "jobs"
	flagOut     = "out"
	flagServe   = "serve"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env file: %v\n", err)
		os.Exit(1)
	}

	if err := newApp().Run(os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "keeper: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "keeper",
		Version: fmt.Sprintf("%s (%s)", version, buildDate),
		Usage:   "encrypted offline playback client",
		Suggest: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "config file path",
				EnvVars: []string{"OK_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  flagOffline,
				Usage: "skip backend reachability checks and treat the device as offline",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "development logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "login",
				Usage:     "store an access token in the config file",
				ArgsUsage: "TOKEN",
				Action:    login,
			},
			{
				Name:      "download",
				Aliases:   []string{"dl"},
				Usage:     "download tracks for offline playback",
				ArgsUsage: "TRACK_ID...",
				Action:    download,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagJobs, Aliases: []string{"j"}, Value: 2, Usage: "parallel downloads"},
				},
			},
			{
				Name:      "play",
				Usage:     "decrypt an offline track to a file or serve it on loopback",
				ArgsUsage: "TRACK_ID",
				Action:    play,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Value: "-", Usage: "output file, - for stdout"},
					&cli.StringFlag{Name: flagServe, Usage: "serve on a loopback address instead, e.g. 127.0.0.1:7070"},
				},
			},
			{
				Name:    "ls",
				Aliases: []string{"list"},
				Usage:   "list offline tracks",
				Action:  list,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: flagJSON, Usage: "print JSON"},
				},
			},
			{
				Name:      "rm",
				Usage:     "remove offline tracks",
				ArgsUsage: "TRACK_ID...",
				Action:    remove,
			},
			{
				Name:   "du",
				Usage:  "total encrypted bytes stored",
				Action: usage,
			},
			{
				Name:   "resume",
				Usage:  "show the last player state",
				Action: resume,
			},
		},
	}
}
