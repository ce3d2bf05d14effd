package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	uuid "github.com/twinj/uuid"

	"branchscope/controllers"
	"branchscope/utils"
)

var (
	configPath string
	debugMode  bool
)

// corsMiddleware Use middleware for CORS (Cross-Origin Resource Sharing)
// The annotation UI is served from a local dev server, so every origin is allowed.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "GET", "POST", "PATCH", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"X-Request-Id", "X-Preview-Order", "X-Preview-Zoom"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// requestIDMiddleware Generate a UUID and attach it to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-Id", uuid.NewV4().String())
		c.Next()
	}
}

// loadConfig Reads the config and applies the logging settings
func loadConfig() (*utils.Config, error) {
	config, err := utils.NewConfig(configPath)
	if err != nil {
		return nil, err
	}
	if debugMode {
		config.Server.Debug = true
		config.Logging.Level = "debug"
	}
	level, err := log.ParseLevel(config.Logging.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	return config, nil
}

func newRouter(services *controllers.Services) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedExtensions([]string{".png", ".jpg"})))

	// Version tag to test against
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "v0.1.0",
		})
	})
	controllers.RegisterRoutes(r, services)
	return r
}

func serve(cmd *cobra.Command, args []string) error {
	log.Info("Starting BranchScope...")
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if !config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	services, cleanup, err := buildServices(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer cleanup()

	addr := fmt.Sprintf(":%s", config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(services),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info(fmt.Sprintf("Listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with
	// a timeout of 5 seconds.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("Server exiting")
	return nil
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "branchscope",
		Short: "Sequential keypoint annotation of plant image series",
		Long: `branchscope serves the annotation engine for time series of plant images:
regular and custom-typed keypoints with per-scope sequence numbers, and a
reference preview of where the next number was placed in the previous image.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging and gin debug mode")

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		RunE:  serve,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCommand())
	rootCmd.AddCommand(importCommand())
	rootCmd.AddCommand(repairCommand())
	rootCmd.AddCommand(registerCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
