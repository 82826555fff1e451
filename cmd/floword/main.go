//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Command floword runs the chat agent service: tool servers, model,
// conversation API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floword/floword/conversation"
	"github.com/floword/floword/log"
	"github.com/floword/floword/mcp"
	"github.com/floword/floword/model/openai"
	"github.com/floword/floword/server"
	"github.com/floword/floword/stream"
	"github.com/floword/floword/telemetry/trace"
)

func main() {
	var (
		addr         = flag.String("addr", ":9010", "listen address")
		mcpConfig    = flag.String("mcp-config", "mcp.json", "tool server config file")
		modelName    = flag.String("model", "gpt-4o-mini", "model name")
		baseURL      = flag.String("base-url", "", "OpenAI-compatible base URL")
		apiKey       = flag.String("api-key", os.Getenv("OPENAI_API_KEY"), "API key")
		logLevel     = flag.String("log-level", log.LevelInfo, "log level: debug, info, warn, error, fatal")
		systemPrompt = flag.String("system-prompt", "", "system prompt for new conversations")
		enableTrace  = flag.Bool("enable-trace", false, "export traces over OTLP")
	)
	flag.Parse()

	log.SetLevel(*logLevel)

	if *enableTrace {
		clean, err := trace.Start(context.Background())
		if err != nil {
			log.Fatalf("start tracing: %v", err)
		}
		defer func() {
			if err := clean(); err != nil {
				log.Warnf("shut down tracing: %v", err)
			}
		}()
	}

	cfg, err := mcp.LoadConfig(*mcpConfig)
	if err != nil {
		log.Fatalf("load tool server config: %v", err)
	}

	manager, err := mcp.NewManager(cfg,
		mcp.WithClientRetry(mcp.DefaultRetryConfig()),
		mcp.WithPingInterval(time.Minute),
	)
	if err != nil {
		log.Fatalf("build tool server manager: %v", err)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := manager.Initialize(initCtx); err != nil {
		cancel()
		log.Fatalf("initialize tool servers: %v", err)
	}
	cancel()
	for name, failed := range manager.FailedServers() {
		log.Warnf("tool server %s unavailable: %v", name, failed.Err)
	}

	m := openai.New(*modelName,
		openai.WithAPIKey(*apiKey),
		openai.WithBaseURL(*baseURL),
	)

	controller := conversation.NewController(
		conversation.NewInMemoryService(),
		manager,
		m,
		stream.NewRegistry(),
		conversation.WithSystemPrompt(*systemPrompt),
	)

	srv := server.New(controller)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(*addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shut down server: %v", err)
	}
	if err := manager.Close(); err != nil {
		log.Errorf("close tool servers: %v", err)
	}
}
