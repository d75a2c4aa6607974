package router

import (
	"net/http"

	"pagemeter/internal/api/v1/handler"
	"pagemeter/internal/middleware"
	"pagemeter/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type Deps struct {
	Scheduler service.BatchScheduler
	Ledger    service.UsageLedger
	// Stripe is optional; without it the webhook route is not mounted.
	Stripe         *service.StripeService
	JWTSecret      string
	MaxUploadBytes int64
	AllowedOrigins []string
}

func New(deps Deps, logger zerolog.Logger) http.Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())

	jobHandler := handler.NewBatchJobHandler(deps.Scheduler, validate, deps.MaxUploadBytes, logger)
	usageHandler := handler.NewUsageHandler(deps.Ledger, logger)
	authMiddleware := middleware.AuthMiddleware(deps.JWTSecret, logger)

	r := chi.NewRouter()
	r.Use(middleware.LoggerMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		// Stripe authenticates with its signature header
		if deps.Stripe != nil {
			r.Post("/webhooks/stripe", deps.Stripe.HandleWebhook)
		}
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			jobHandler.RegisterRoutes(r)
			usageHandler.RegisterRoutes(r)
		})
	})
	logger.Info().Msg("Router initialized")

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
