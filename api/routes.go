package api

import (
	"github.com/garnizeh/askhuman/internal/config"
	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/garnizeh/askhuman/pkg/repository"
	"github.com/gorilla/mux"
)

func SetupRoutes(cfg *config.Config, version, buildTime string, svc *lifecycle.Service, subs repository.SubscriptionRepo, clock lifecycle.Clock) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{}
	questionsHandler := NewQuestionsHandler(svc)
	humansHandler := NewHumansHandler(svc, subs, clock)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")

	// Agent endpoints, rate limited per self-asserted agent id
	limiter := newAgentLimiter(cfg.Limits.AgentRatePerSec, cfg.Limits.AgentRateBurst)
	agent := r.PathPrefix("/agent").Subrouter()
	agent.Use(limiter.RateLimitMiddleware)
	agent.HandleFunc("/questions", questionsHandler.CreateQuestion).Methods("POST")
	agent.HandleFunc("/questions/{question_id}", questionsHandler.GetQuestion).Methods("GET")

	// Human endpoints
	human := r.PathPrefix("/human").Subrouter()
	human.HandleFunc("/questions", humansHandler.ListQuestions).Methods("GET")
	human.HandleFunc("/questions/{question_id}", humansHandler.GetQuestion).Methods("GET")
	human.HandleFunc("/responses", humansHandler.SubmitResponse).Methods("POST")
	human.HandleFunc("/subscriptions", humansHandler.Subscribe).Methods("POST")

	return r
}
