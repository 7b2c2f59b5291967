package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/shutdown"
	"github.com/inercia/parley/internal/web"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

var (
	webPort      int
	webHost      string
	webStaticDir string
	webNoWatch   bool
)

// webCmd represents the web command
var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start the browser chat interface",
	Long: `Start a web server that serves the chat page.

Each browser gets its own conversation, identified by a session cookie
and mirrored in the page URL so the conversation survives reloads.
The configuration file is watched; greeting, apology and preset changes
apply to live conversations without a restart.

Example:
  parley web                              # Listen on the configured address
  parley web --port 3000                  # Listen on a custom port
  parley web --port 0                     # Use a random port
  parley web --static-dir ./web/static    # Serve assets from disk (for development)`,
	RunE: runWeb,
}

func init() {
	rootCmd.AddCommand(webCmd)

	webCmd.Flags().IntVar(&webPort, "port", -1, "HTTP server port (default: from configuration). Use 0 for a random port")
	webCmd.Flags().StringVar(&webHost, "host", "", "HTTP server host (default: from configuration)")
	webCmd.Flags().StringVar(&webStaticDir, "static-dir", "", "Serve static files from this directory instead of embedded assets (for development)")
	webCmd.Flags().BoolVar(&webNoWatch, "no-watch", false, "Do not reload the configuration file when it changes")
}

func runWeb(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	logger := logging.Web()

	webCfg := cfg.Web
	if webHost != "" {
		webCfg.Host = webHost
	}
	if webPort >= 0 {
		webCfg.Port = webPort
	}
	if webStaticDir != "" {
		webCfg.StaticDir = webStaticDir
	}

	srv, err := web.NewServer(web.Config{
		Backend:      newBackend(cfg),
		Settings:     chatSettings(cfg),
		CookieName:   webCfg.CookieName,
		QueryParam:   webCfg.QueryParam,
		SecureCookie: webCfg.SecureCookie,
		LinkSecret:   []byte(webCfg.LinkSecret),
		MaxSessions:  webCfg.MaxSessions,
		IdleTTL:      webCfg.IdleTTL,
		RateLimit: web.RateLimitConfig{
			RequestsPerSecond: webCfg.RateLimit,
			BurstSize:         webCfg.RateBurst,
		},
		TrustedProxies: webCfg.TrustedProxies,
		StaticDir:      webCfg.StaticDir,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	addr := webCfg.ListenAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	sm := shutdown.NewManager()

	if cfgFile != "" && !webNoWatch {
		watcher, err := config.NewWatcher(cfgFile, logging.ConfigLog())
		if err != nil {
			logger.Warn("Configuration reload disabled", "path", cfgFile, "error", err)
		} else {
			watcher.Subscribe(config.SubscriberFunc(func(c *config.Config) {
				srv.UpdateSettings(chatSettings(c))
			}))
			watcher.Start()
			sm.AddCleanup(func(string) { watcher.Close() })
		}
	}

	sm.AddCleanup(func(reason string) {
		fmt.Println("\n👋 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Web server shutdown incomplete", "reason", reason, "error", err)
		}
	})
	sm.Start()

	fmt.Printf("🌐 Starting web interface...\n")
	fmt.Printf("   Backend: %s\n", cfg.Backend.URL)
	if cfgFile != "" {
		fmt.Printf("   Config: %s\n", cfgFile)
	}
	if webCfg.StaticDir != "" {
		fmt.Printf("   Static files: %s (hot-reload enabled)\n", webCfg.StaticDir)
	}
	fmt.Printf("   URL: http://%s\n", listener.Addr())
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	if err := srv.Serve(listener); err != nil && !srv.IsShutdown() {
		sm.Shutdown("serve_error")
		return fmt.Errorf("web server error: %w", err)
	}

	<-sm.Done()
	logger.Info("Web server stopped", "reason", sm.Reason())
	return nil
}
