package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokejepsen/mayasequence/internal/httpapi/handlers"
	"github.com/tokejepsen/mayasequence/internal/httpkit"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/pkg/middleware"
	"github.com/tokejepsen/mayasequence/internal/ports"
	"github.com/tokejepsen/mayasequence/internal/repositories"
)

type Deps struct {
	Pool     *pgxpool.Pool
	Queue    handlers.Queue
	SP       ports.StorageProvider
	Session  handlers.SessionReporter
	Defaults map[string]any

	CORSOrigins    []string
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	var db handlers.Pinger
	if d.Pool != nil {
		db = d.Pool
	}
	h := handlers.New(handlers.Deps{
		DB:       db,
		Tasks:    repositories.NewTaskRepository(d.Pool),
		Queue:    d.Queue,
		SP:       d.SP,
		Session:  d.Session,
		Defaults: d.Defaults,
		Log:      d.Log,
	})
	return newRouter(h, d)
}

func newRouter(h *handlers.Handler, d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))

	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	// ---- SESSION ----
	r.Get("/session", wrap(h.GetSession))

	// ---- JOBS ----
	r.Post("/jobs", wrap(h.PostJob))

	// ---- TASKS ----
	r.Get("/tasks", wrap(h.ListTasks))
	r.Get("/tasks/{taskId}", wrap(h.GetTask))
	r.Get("/tasks/{taskId}/trail", wrap(h.GetTaskTrail))

	return r
}
