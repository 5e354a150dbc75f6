package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/api"
	"github.com/samcharles93/moegpt/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		mflags      modelFlagValues
		addr        string
		weights     string
		name        string
		readTimeout time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "checkpoint to serve",
			Value:       "params.safetensors",
			Destination: &weights,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name reported by the API",
			Value:       "moegpt",
			Destination: &name,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	}

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: append(flags, modelFlags(&mflags)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig.Serve, &addr, &name)

			gpt, params, err := loadModel(cmd, &mflags, weights)
			if err != nil {
				return err
			}
			log.Info("model loaded", "weights", weights, "parameters", params.Count())

			store := api.NewGenerationStore()
			service := api.NewGenerationService(name, gpt, params)
			server := api.NewServer(store, service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg ServeConfig, addr, name *string) {
	if cfg.Address != "" && !c.IsSet("addr") {
		*addr = cfg.Address
	}
	if cfg.Name != "" && !c.IsSet("name") {
		*name = cfg.Name
	}
}
