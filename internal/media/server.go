// Package media stores evidence files on disk and serves them over HTTP.
//
// This file implements the public retrieval endpoint.
package media

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server serves stored evidence files at /media/<filename> and exposes a
// health endpoint. Additional routes (e.g. transport webhooks) can be mounted
// on the underlying app before Start is called.
type Server struct {
	app  *fiber.App
	addr string
}

// NewServer creates the HTTP server for the given media store.
func NewServer(store *Store, addr string) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{TimeFormat: "15:04:05"}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Static("/media", store.Dir())

	return &Server{app: app, addr: addr}
}

// App exposes the underlying fiber app for mounting extra routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address. It blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("Media server listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	slog.Debug("Shutting down media server")
	return s.app.Shutdown()
}
