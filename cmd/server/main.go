package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/rabbitize/engine/internal/api"
	"github.com/rabbitize/engine/internal/browser"
	"github.com/rabbitize/engine/internal/clock"
	"github.com/rabbitize/engine/internal/command"
	"github.com/rabbitize/engine/internal/config"
	"github.com/rabbitize/engine/internal/llm"
	"github.com/rabbitize/engine/internal/session"
	"github.com/rabbitize/engine/internal/sink"
	"github.com/rabbitize/engine/internal/video"
)

// cliFlags mirrors spec.md §6's CLI surface: a session is addressed by
// (client-id, test-id, session-id) and configured per-invocation, with
// env vars in config.Config supplying everything that isn't per-run.
type cliFlags struct {
	clientID    string
	testID      string
	sessionID   string
	width       int
	height      int
	interactive bool
	exitOnEnd   bool

	stabilityDetection bool
	stabilityWait      float64
	stabilitySens      float64
	stabilityTimeout   int

	clipSegments bool
	processVideo bool

	batchURL      string
	batchCommands string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.clientID, "client-id", "default", "client identifier")
	flag.StringVar(&f.testID, "test-id", "default", "test identifier")
	flag.StringVar(&f.sessionID, "session-id", "", "session identifier; a new one is generated if empty")
	flag.IntVar(&f.width, "width", 1920, "viewport width")
	flag.IntVar(&f.height, "height", 1080, "viewport height")
	flag.BoolVar(&f.interactive, "interactive", false, "enable the NTP-corrected time overlay (the /interact websocket is served either way)")
	flag.BoolVar(&f.exitOnEnd, "exit-on-end", false, "exit the process once the session ends")

	flag.BoolVar(&f.stabilityDetection, "stability-detection", true, "enable the stability detector")
	flag.Float64Var(&f.stabilityWait, "stability-wait", 1.0, "seconds to wait before the first stability check")
	flag.Float64Var(&f.stabilitySens, "stability-sensitivity", 0.05, "fraction of changed pixels tolerated between frames")
	flag.IntVar(&f.stabilityTimeout, "stability-timeout", 5000, "stability wait ceiling in milliseconds")

	flag.BoolVar(&f.clipSegments, "clip-segments", false, "split the recording into per-command clips")
	flag.BoolVar(&f.processVideo, "process-video", false, "transcode and post-process the session recording")

	flag.StringVar(&f.batchURL, "batch-url", "", "navigate to this URL immediately after initialize")
	flag.StringVar(&f.batchCommands, "batch-commands", "", "path to a newline-delimited command script to run at startup")

	flag.Parse()
	return f
}

func main() {
	flags := parseFlags()
	cfg := config.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := cfg.Validate(); err != nil {
		log.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	if flags.sessionID == "" {
		flags.sessionID = time.Now().UTC().Format("20060102T150405Z")
	}
	if !flags.stabilityDetection {
		flags.stabilityTimeout = 0
	}
	cfg.StabilityWaitSeconds = flags.stabilityWait
	cfg.StabilitySensitivity = flags.stabilitySens
	cfg.StabilityTimeoutMs = flags.stabilityTimeout
	cfg.ClipSegments = flags.clipSegments
	cfg.ProcessVideo = flags.processVideo

	driver, err := browser.Launch(cfg.PlaywrightPath)
	if err != nil {
		log.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	deps := session.Deps{
		Driver: driver,
		Log:    log,
		Video:  video.New(cfg.FfmpegPath),
	}

	if cfg.GeminiAPIKey != "" || cfg.LLMUtilityURL != "" {
		deps.LLM = llm.New(cfg.LLMUtilityURL, cfg.LLMAuthHeader, cfg.GeminiAPIKey)
	}

	if s, err := sink.Open(cfg.SinkDatabasePath, log); err != nil {
		log.Warn("observability sink unavailable, continuing without it", "error", err)
	} else {
		defer s.Close()
		deps.Sink = s
	}

	if flags.interactive {
		if c, err := clock.New("pool.ntp.org", 5*time.Minute); err != nil {
			log.Warn("ntp clock unavailable, time overlay disabled", "error", err)
		} else {
			defer c.Stop()
			deps.Clock = c
		}
	}

	id := session.Identity{ClientID: flags.clientID, TestID: flags.testID, SessionID: flags.sessionID}
	engine := session.New(id, cfg, flags.interactive, deps)

	if err := engine.Initialize(context.Background(), flags.width, flags.height); err != nil {
		log.Error("failed to initialize session", "error", err)
		os.Exit(1)
	}

	runBatch(engine, flags, log)

	e := echoServer(engine, flags.clientID)
	startServer(e, cfg, engine, flags.exitOnEnd, log)
}

func echoServer(engine *session.Engine, clientID string) *echo.Echo {
	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	})

	h := api.New(engine, clientID)
	h.RegisterRoutes(e)
	return e
}

func startServer(e *echo.Echo, cfg *config.Config, engine *session.Engine, exitOnEnd bool, log *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	const (
		readTimeout       = 10 * time.Second
		writeTimeout      = 30 * time.Second
		readHeaderTimeout = 5 * time.Second
		idleTimeout       = 120 * time.Second
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           e,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	var httpsServer *http.Server
	if cfg.TLSDomain != "" {
		autoTLSManager := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLSDomain),
			Cache:      autocert.DirCache(cfg.TLSDataDir),
			Email:      cfg.TLSEmail,
		}
		httpServer.Handler = autoTLSManager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+r.Host+r.URL.String(), http.StatusMovedPermanently)
		}))

		tlsConfig := autoTLSManager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		httpsServer = &http.Server{
			Addr:              ":" + cfg.HTTPSPort,
			Handler:           e,
			TLSConfig:         tlsConfig,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		}
		go func() {
			log.Info("starting https server", "addr", cfg.HTTPSPort)
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Error("https server error", "error", err)
			}
		}()
	}

	go func() {
		log.Info("starting http server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	if exitOnEnd {
		go func() {
			for engine.Phase() != session.PhaseEnded {
				time.Sleep(500 * time.Millisecond)
			}
			stop()
		}()
	}

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = engine.End(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if httpsServer != nil {
		if err := httpsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("https shutdown error", "error", err)
		}
	}
}

func runBatch(engine *session.Engine, flags cliFlags, log *slog.Logger) {
	var script []string
	if flags.batchURL != "" {
		script = append(script, ":navigate "+flags.batchURL)
	}
	if flags.batchCommands != "" {
		data, err := os.ReadFile(flags.batchCommands)
		if err != nil {
			log.Warn("failed to read batch commands file", "error", err, "path", flags.batchCommands)
		} else {
			for _, line := range splitLines(string(data)) {
				if line != "" {
					script = append(script, line)
				}
			}
		}
	}
	for _, line := range script {
		cmd := parseBatchLine(line)
		item, err := engine.Submit(flags.clientID, cmd)
		if err != nil {
			log.Warn("batch command rejected", "error", err, "command", line)
			continue
		}
		<-item.Done
	}
}

func parseBatchLine(line string) command.Command {
	fields := splitFields(line)
	if len(fields) == 0 {
		return command.Command{}
	}
	return command.Command{Verb: fields[0], Args: fields[1:]}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, trimCR(s[start:]))
	}
	return out
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func splitFields(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
