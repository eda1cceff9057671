package main

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/internal/options"
	"github.com/determined-ai/slicerun/pkg/logger"
)

func newMetricsServer() *echo.Echo {
	server := echo.New()
	server.Logger = logger.NewEchoLogger()
	server.HidePort = true
	server.HideBanner = true
	server.Use(middleware.Recover())
	server.Pre(middleware.RemoveTrailingSlash())

	server.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return server
}

func startMetricsServer(server *echo.Echo, opts options.MetricsOptions) error {
	bindAddr := fmt.Sprintf("%s:%d", opts.BindIP, opts.BindPort)
	log.Infof("starting metrics server on [%s]", bindAddr)
	if err := server.Start(bindAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
