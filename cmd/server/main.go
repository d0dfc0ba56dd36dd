package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"vibechat/internal/chat"
	"vibechat/internal/config"
	"vibechat/internal/db"
	"vibechat/internal/middleware"
	"vibechat/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	database, err := db.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("connected to postgres, schema ready")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	log.Println("connected to redis")

	// User feature: registration, login, search, token validation.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// Messaging core: store, hub, REST + websocket surface.
	chatRepo := chat.NewRepository(database.Conn)
	broker := chat.NewRedisBroker(redisClient)
	hub := chat.NewHub(broker, chatRepo, userService)
	chatHandler := chat.NewHandler(hub, chatRepo)

	go func() {
		if err := hub.Run(context.Background()); err != nil {
			log.Fatalf("hub stopped: %v", err)
		}
	}()

	authMiddleware := middleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Public routes. The websocket route is public too: identity is
	// established by the in-band auth event.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/ws", chatHandler.ServeWs)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Post("/api/users/{userID}/block", chatHandler.BlockUser)
		r.Delete("/api/users/{userID}/block", chatHandler.UnblockUser)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Get("/api/conversations/{conversationID}/messages", chatHandler.ListMessages)
		r.Post("/api/conversations/{conversationID}/messages", chatHandler.CreateMessage)
	})

	log.Printf("server listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal(err)
	}
}
