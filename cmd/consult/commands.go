package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	handlers "github.com/navtalk/ClinicApp/internal/handler"
	"github.com/navtalk/ClinicApp/pkg/config"
	"github.com/navtalk/ClinicApp/pkg/devices"
	"github.com/navtalk/ClinicApp/pkg/events"
	"github.com/navtalk/ClinicApp/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd 命令行入口
func NewRootCmd() *cobra.Command {
	var mode string

	rootCmd := &cobra.Command{
		Use:   "consult",
		Short: "ClinicApp realtime consultation client",
		Long: `consult connects to the NavTalk realtime service and runs a voice consultation
with a virtual clinic assistant, either headless from the terminal or behind a local control API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				os.Setenv("APP_ENV", mode)
			}
			if err := config.Load(); err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			if err := logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode); err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newDevicesCmd())

	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "running environment (development, test, production)")

	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GlobalConfig
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "HTTP serve address")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewClinicApp(cfg, zap.L())
	if err != nil {
		return err
	}
	defer app.Close()
	app.monitor.Start()

	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.MaxMultipartMemory = 32 << 20

	handlers.NewHandlers(handlers.Options{
		Session:   app.controller,
		Intake:    app.intake,
		Files:     app.files,
		Metrics:   app.metrics,
		Monitor:   app.monitor,
		Logger:    app.logger,
		RateLimit: cfg.APIRateLimit,
		LocalOnly: cfg.LocalOnly,
	}).Register(r)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server run failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Start a consultation from the terminal",
		Long: `Start a session and talk through the default microphone (or a WAV file with --input).
Typed lines are sent as text messages. Commands: /mute, /unmute, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GlobalConfig
			if input, _ := cmd.Flags().GetString("input"); input != "" {
				cfg.Audio.InputFile = input
			}
			if muted, _ := cmd.Flags().GetBool("no-playback"); muted {
				cfg.Audio.Playback = false
			}
			return runCall(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("input", "", "WAV file to use instead of the microphone")
	cmd.Flags().Bool("no-playback", false, "Do not play remote audio")
	return cmd
}

func runCall(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewClinicApp(cfg, zap.L())
	if err != nil {
		return err
	}
	defer app.Close()

	ended := make(chan struct{}, 1)
	app.bus.Subscribe(events.TopicTranscriptAppend, func(e events.Event) error {
		fmt.Printf("[%s] %v\n", e.Data["role"], e.Data["content"])
		return nil
	})
	app.bus.Subscribe(events.TopicSessionError, func(e events.Event) error {
		fmt.Fprintf(os.Stderr, "error: %v\n", e.Data["message"])
		return nil
	})
	app.bus.Subscribe(events.TopicSessionState, func(e events.Event) error {
		if e.Data["state"] == "idle" {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
		return nil
	})

	if err := app.controller.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Session started. Type a message, /mute, /unmute or /quit.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return app.controller.Stop()
		case <-ended:
			fmt.Println("Session ended.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return app.controller.Stop()
			}
			if done := handleLine(app, strings.TrimSpace(line)); done {
				return app.controller.Stop()
			}
		}
	}
}

// handleLine 返回 true 表示退出
func handleLine(app *ClinicApp, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/mute":
		err = app.controller.SetMicrophone(false)
	case "/unmute":
		err = app.controller.SetMicrophone(true)
	default:
		err = app.controller.SendText(line)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return false
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := devices.ListDevices()
			if err != nil {
				return err
			}
			for _, d := range list {
				mark := " "
				if d.IsDefault {
					mark = "*"
				}
				fmt.Printf("%s %-8s %s\n", mark, d.Kind, d.Name)
			}
			return nil
		},
	}
}
