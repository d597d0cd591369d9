// Package api exposes the skeleton over HTTP: requests come in as JSON, the
// servo state can be polled and a websocket streams every change.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/skeleton"
)

const shutdownTimeout = 5 * time.Second

// Engine executes requests and reports state.
type Engine interface {
	Do(ctx context.Context, req skeleton.Request) error
	Servos() map[string]servo.Current
	Servo(name string) (servo.Current, error)
	Boards() []board.Info
}

// NewRouter returns the HTTP handler. stream serves the websocket status
// stream and may be nil.
func NewRouter(engine Engine, stream http.Handler, logger *zap.SugaredLogger) http.Handler {
	h := &handler{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Post("/requests", h.request)
	r.Route("/servos", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/", h.servos)
		r.Get("/{name}", h.servo)
	})
	r.Get("/boards", h.boards)
	if stream != nil {
		r.Handle("/ws", stream)
	}
	return r
}

// Serve returns a service that listens on addr until its context is done.
func Serve(addr string, handler http.Handler, logger *zap.SugaredLogger) func(context.Context) error {
	return func(ctx context.Context) error {
		srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Infow("listening", "addr", addr)

		select {
		case err := <-errc:
			return errors.Wrap(err, "http server")
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"id", middleware.GetReqID(r.Context()))
		})
	}
}

type handler struct {
	engine Engine
	logger *zap.SugaredLogger
}

// requestPayload binds the JSON envelope of a request.
type requestPayload struct {
	skeleton.Envelope
	req skeleton.Request
}

func (p *requestPayload) Bind(r *http.Request) error {
	req, err := p.Envelope.Request()
	if err != nil {
		return err
	}
	p.req = req
	return nil
}

type accepted struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

func (h *handler) request(w http.ResponseWriter, r *http.Request) {
	data := &requestPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := h.engine.Do(r.Context(), data.req); err != nil {
		switch {
		case errors.Is(err, servo.ErrUnknownServo):
			render.Render(w, r, ErrNotFound(err))
		default:
			render.Render(w, r, ErrInternal(err))
		}
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, accepted{Kind: data.req.Kind(), Status: "accepted"})
}

func (h *handler) servos(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.engine.Servos())
}

func (h *handler) servo(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Servo(chi.URLParam(r, "name"))
	if err != nil {
		render.Render(w, r, ErrNotFound(err))
		return
	}
	render.JSON(w, r, c)
}

func (h *handler) boards(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.engine.Boards())
}
