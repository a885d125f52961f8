// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "bind",
		Usage: "IP address to listen on",
	},
	&cli.StringFlag{
		Name:    "remote",
		Usage:   "address of the remote peer, host:port",
		EnvVars: []string{"MEDIA_TRANSFORM_REMOTE"},
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MEDIA_TRANSFORM_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "key-file",
		Usage: "path to file that contains SRTP master keys and salts",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "rtprelay",
		Usage:       "RTP/SRTP relay running the media transform pipeline",
		Description: "run without subcommands to start the relay",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startRelay,
		Commands: []*cli.Command{
			{
				Name:   "generate-keys",
				Usage:  "generates a key file with random local and remote SRTP master keys",
				Action: generateKeys,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Usage: "protection profile the keys are sized for",
						Value: config.DefaultConfig.SRTP.Profile,
					},
					&cli.StringFlag{
						Name:     "out",
						Usage:    "path of the key file to write",
						Required: true,
					},
				},
			},
			{
				Name:   "profiles",
				Usage:  "list supported SRTP protection profiles",
				Action: listProfiles,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}

func startRelay(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	var promServer *http.Server
	if conf.PrometheusPort > 0 {
		prometheus.Init()
		if promServer, err = startPrometheus(conf.PrometheusPort); err != nil {
			return err
		}
	}

	relay, err := NewRelay(conf)
	if err != nil {
		return err
	}
	relay.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigChan
	logger.Infow("exit requested, shutting down", "signal", sig)

	err = relay.Stop()
	if promServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = promServer.Shutdown(ctx)
	}
	return err
}

func startPrometheus(port uint32) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	// ensure we could listen
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		logger.Infow("starting prometheus server", "address", server.Addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorw("prometheus server failed", err)
		}
	}()
	return server, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
