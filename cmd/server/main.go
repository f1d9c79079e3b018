package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/blob"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/directory"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/handler"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/hub"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/middleware"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/registry"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/store"
)

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "chatroom.db"
	}
	st, err := store.New(dbPath)
	if err != nil {
		log.Fatal("Failed to open database: ", err)
	}
	defer st.Close()

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "/uploads"
	}
	blobs, err := blob.NewDiskStore(uploadDir, baseURL)
	if err != nil {
		log.Fatal("Failed to init upload store: ", err)
	}

	var allowedOrigins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}

	reg := registry.New()
	dir := directory.New(reg)
	if rooms, err := st.LoadRooms(); err != nil {
		slog.Error("Failed to load persisted rooms", "error", err)
	} else {
		dir.Seed(rooms)
		slog.Info("Room directory hydrated", "rooms", len(rooms))
	}

	coordinator := hub.New(reg, dir, st, allowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.Run(ctx)

	uploadLimiter := middleware.NewRateLimiter(ctx, 30, time.Minute)
	healthHandler := &handler.HealthHandler{Store: st}
	uploadHandler := &handler.UploadHandler{Blobs: blobs}

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.Handle("/api/upload", uploadLimiter.Middleware(http.HandlerFunc(uploadHandler.Upload))).Methods(http.MethodPost)
	r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir))))
	r.HandleFunc("/ws", coordinator.ServeWS)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:        ":" + port,
		Handler:     loggingMiddleware(r),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("Chat relay starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
