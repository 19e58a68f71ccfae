package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/threadgate/internal/api"
	"github.com/kalambet/threadgate/internal/config"
	"github.com/kalambet/threadgate/internal/proxy"
	"github.com/kalambet/threadgate/internal/threads"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the threadgate server (foreground)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running threadgate server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show threadgate status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		return showStatus(refresh)
	},
}

func init() {
	statusCmd.Flags().Bool("refresh", false, "ask the running server to reload threads from the backend first")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "threadgate.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func serverAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "threadgate version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	addr := serverAddr(cfg)
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("threadgate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("threadgate is already running on %s", addr)
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server's own session talks to the upstream directly, never through
	// client.base_url, which may point back at this proxy.
	sess, err := openSession(ctx, cfg, cfg.Upstream.BaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing session: %v\n", err)
		}
	}()
	slog.SetDefault(sess.logger)

	handler, err := buildHandler(cfg, sess)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printSuccess("threadgate listening on %s (proxy at %s)", addr, cfg.Proxy.Namespace)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Server.RefreshInterval > 0 {
		refresher := threads.NewRefresher(sess.threads,
			time.Duration(cfg.Server.RefreshInterval)*time.Second, sess.logger)
		g.Go(func() error {
			refresher.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// buildHandler wires the proxy and the session's thread API into one router.
func buildHandler(cfg config.Config, sess *session) (http.Handler, error) {
	p, err := proxy.New(proxy.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Namespace:      cfg.Proxy.Namespace,
		RouteParam:     cfg.Proxy.RouteParam,
		HeaderPolicy:   proxy.HeaderPolicy(cfg.Proxy.HeaderPolicy),
		AllowedHeaders: cfg.Proxy.AllowedHeaderList(),
		RateLimit:      cfg.Proxy.RateLimit,
		RateBurst:      cfg.Proxy.RateBurst,
		Signer:         signerFor(cfg.Signing),
	}, proxy.WithLogger(sess.logger))
	if err != nil {
		return nil, fmt.Errorf("configuring proxy: %w", err)
	}
	return api.NewHandler(api.Deps{
		Proxy:   p,
		Threads: sess.threads,
		Chat:    sess.chat,
		Token:   cfg.Server.Token,
	}), nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("threadgate is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop threadgate (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to threadgate (PID %d)", pid)
	return nil
}

func showStatus(refresh bool) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := clientFor(cfg)
	client.httpClient.Timeout = 2 * time.Second
	running := reportServer(ctx, client)

	if running {
		list, err := serverThreads(ctx, client, refresh)
		if err != nil {
			printStatus("Threads", "unavailable (%v)", err)
		} else {
			printStatus("Threads", "%d", len(list.Threads))
			if list.CurrentThreadID != "" {
				printStatus("Current thread", "%s", list.CurrentThreadID)
			}
		}
	}

	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
	printStatus("Assistant", "%s", cfg.Upstream.AssistantID)
	printStatus("Proxy", "%s (%s headers)", cfg.Proxy.Namespace, cfg.Proxy.HeaderPolicy)
	printStatus("Storage", "%s in %s", cfg.Storage.Backend, cfg.Storage.DataDir)
	return nil
}

// serverThreads returns the running server's thread view, reconciling it
// with the backend first when refresh is set.
func serverThreads(ctx context.Context, client *apiClient, refresh bool) (api.ThreadList, error) {
	var list api.ThreadList
	var resp *http.Response
	var err error
	if refresh {
		resp, err = client.post(ctx, "/v1/threads/refresh", struct{}{})
	} else {
		resp, err = client.get(ctx, "/v1/threads")
	}
	if err != nil {
		return list, err
	}
	err = decodeJSON(resp, &list)
	return list, err
}

// reportServer prints the server line and reports whether it is healthy.
func reportServer(ctx context.Context, client *apiClient) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}
	printStatus("Server", "running at %s", client.baseURL)
	return true
}
