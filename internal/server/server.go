// Package server exposes the conversion service over HTTP: conversion and
// upload endpoints, static serving of extracted images, scheduler status
// and a version probe.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/cleanup"
	"github.com/YorkUITInnovation/markitdown-api/internal/config"
	"github.com/YorkUITInnovation/markitdown-api/internal/pipeline"
)

// Server routes HTTP requests to the conversion pipeline and the cleanup
// scheduler. Conversion endpoints require a bearer key when API_KEYS is
// set; image serving and the version probe stay open.
type Server struct {
	cfg          *config.Config
	logger       *logrus.Logger
	orchestrator *pipeline.Orchestrator
	scheduler    *cleanup.Scheduler
	version      string
	httpServer   *http.Server
}

func New(cfg *config.Config, orchestrator *pipeline.Orchestrator, scheduler *cleanup.Scheduler, logger *logrus.Logger, version string) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		version:      version,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /convert", s.requireAuth(http.HandlerFunc(s.handleConvert)))
	mux.Handle("POST /upload", s.requireAuth(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /cleanup-status", s.requireAuth(http.HandlerFunc(s.handleCleanupStatus)))
	mux.HandleFunc("GET /images/{namespace}/{filename}", s.handleImage)
	mux.HandleFunc("GET /version", s.handleVersion)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second, // Prevent slow loris attacks
		ReadTimeout:       5 * time.Minute,  // Large uploads on slow links
		WriteTimeout:      5 * time.Minute,  // Conversions can run long
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

// Handler returns the request handler, routing and middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until the listener fails or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
