package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/dispatch"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/policy"
	"github.com/crossguard/janitor/registry"
	"github.com/crossguard/janitor/scoring"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const (
	headerActor      = "X-Actor-Id"
	headerGuild      = "X-Guild-Id"
	headerGuildAdmin = "X-Guild-Admin"
)

// request metrics register with the default registry, which only accepts them once per process
var requestMetrics = echoprometheus.NewMiddleware("janitor")

type Config struct {
	Logger *slog.Logger
	Bind   string
	// bearer token required from callers of the API; empty disables the check
	AdminToken string
}

// Services are the components the API exposes.
type Services struct {
	Access     *access.Controller
	Registry   *registry.Registry
	Scorer     *scoring.Scorer
	Policies   *policy.Store
	Engine     *policy.Engine
	Dispatcher *dispatch.Dispatcher
}

type Server struct {
	logger *slog.Logger
	echo   *echo.Echo
	httpd  *http.Server
	config Config

	access     *access.Controller
	registry   *registry.Registry
	scorer     *scoring.Scorer
	policies   *policy.Store
	engine     *policy.Engine
	dispatcher *dispatch.Dispatcher
}

func NewServer(svc Services, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		logger:     logger.With("component", "api"),
		echo:       e,
		config:     config,
		access:     svc.Access,
		registry:   svc.Registry,
		scorer:     svc.Scorer,
		policies:   svc.Policies,
		engine:     svc.Engine,
		dispatcher: svc.Dispatcher,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(requestMetrics)
	e.Use(middleware.BodyLimit("1M"))
	e.Use(otelecho.Middleware("janitor"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/health", srv.HandleHealthCheck)

	api := e.Group("/v1", srv.requireToken)

	api.POST("/reports", srv.HandleFileReport)
	api.GET("/reports", srv.HandleListRecent)
	api.GET("/reports/:id", srv.HandleGetReport)
	api.POST("/reports/:id/deactivate", srv.HandleDeactivateReport)
	api.PUT("/reports/:id/evidence", srv.HandleUpdateEvidence)
	api.PUT("/reports/:id/explanation", srv.HandleUpdateExplanation)
	api.POST("/honeypot", srv.HandleHoneypot)
	api.GET("/honeypot/channels", srv.HandleHoneypotChannels)

	api.GET("/users/:user/reports", srv.HandleListUserReports)
	api.GET("/users/:user/score", srv.HandleUserScore)
	api.GET("/guilds/:guild/score", srv.HandleGuildScore)
	api.GET("/leaderboard/users", srv.HandleTopUsers)
	api.GET("/leaderboard/guilds", srv.HandleTopGuilds)

	api.GET("/guilds/:guild/policy", srv.HandleGetPolicy)
	api.PUT("/guilds/:guild/policy", srv.HandleUpsertPolicy)
	api.DELETE("/guilds/:guild/policy", srv.HandleDeletePolicy)
	api.POST("/guilds/:guild/policy/default", srv.HandleEnsureDefaultPolicy)
	api.POST("/guilds/:guild/evaluate", srv.HandleEvaluate)
	api.PUT("/guilds/:guild/actioned/:user", srv.HandleRecordActioned)
	api.DELETE("/guilds/:guild/actioned/:user", srv.HandleClearActioned)

	api.GET("/guilds/:guild/webhook", srv.HandleGetSubscription)
	api.PUT("/guilds/:guild/webhook", srv.HandleSubscribe)
	api.DELETE("/guilds/:guild/webhook", srv.HandleUnsubscribe)
	api.GET("/guilds/:guild/webhook/failures", srv.HandleListFailures)
	api.GET("/guilds/:guild/webhook/gaps", srv.HandleListGaps)

	api.GET("/admins", srv.HandleListAdmins)
	api.PUT("/admins/:user", srv.HandleAddAdmin)
	api.DELETE("/admins/:user", srv.HandleRemoveAdmin)
	api.GET("/directory/:user", srv.HandleGetUser)
	api.PUT("/directory/:user", srv.HandleUpsertUser)
	api.DELETE("/directory/:user", srv.HandleRemoveUser)
	api.POST("/scores/rebuild", srv.HandleRebuildScores)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI serves the API until ctx is done, then shuts the listener down gracefully.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
	case <-ctx.Done():
	}
	return srv.Shutdown()
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// RunMetrics serves prometheus metrics on their own listener until ctx is done.
func RunMetrics(ctx context.Context, listen string) error {
	httpd := &http.Server{Addr: listen, Handler: newMetricsHandler()}
	go func() {
		<-ctx.Done()
		httpd.Close()
	}()
	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newMetricsHandler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echoprometheus.NewHandler())
	return e
}

func (srv *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.config.AdminToken == "" {
			return next(c)
		}
		hdr := c.Request().Header.Get("Authorization")
		want := "Bearer " + srv.config.AdminToken
		if subtle.ConstantTimeCompare([]byte(hdr), []byte(want)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API token")
		}
		return next(c)
	}
}

// principal is the user a request acts for, as attested by the calling platform integration.
type principal struct {
	Actor models.Snowflake
	// guild the request is made from; zero when absent
	Guild models.Snowflake
	// the platform reports Actor as an administrator of Guild
	GuildAdmin bool
}

func principalFrom(c echo.Context) (principal, error) {
	var p principal
	hdr := c.Request().Header
	actor, err := models.ParseSnowflake(hdr.Get(headerActor))
	if err != nil {
		return p, errs.Invalid("actor", "%s header: %v", headerActor, err)
	}
	p.Actor = actor
	if raw := hdr.Get(headerGuild); raw != "" {
		g, err := models.ParseSnowflake(raw)
		if err != nil {
			return p, errs.Invalid("guild", "%s header: %v", headerGuild, err)
		}
		p.Guild = g
	}
	if raw := hdr.Get(headerGuildAdmin); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, errs.Invalid("guild_admin", "%s header must be a boolean", headerGuildAdmin)
		}
		p.GuildAdmin = v
	}
	return p, nil
}

func snowflakeParam(c echo.Context, name string) (models.Snowflake, error) {
	v, err := models.ParseSnowflake(c.Param(name))
	if err != nil {
		return 0, errs.Invalid(name, "%v", err)
	}
	return v, nil
}

func reportIDParam(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errs.Invalid("report id", "must be a positive integer")
	}
	return id, nil
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.Invalid("limit", "must be a non-negative integer")
	}
	return n, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	resp := errorResponse{Error: "InternalError", Message: "internal server error"}

	var herr *echo.HTTPError
	switch {
	case errors.As(err, &herr):
		code = herr.Code
		resp = errorResponse{Error: http.StatusText(code), Message: fmt.Sprint(herr.Message)}
	case errs.IsValidation(err):
		code = http.StatusBadRequest
		resp = errorResponse{Error: "InvalidRequest", Message: err.Error()}
	case errs.IsPermissionDenied(err):
		code = http.StatusForbidden
		resp = errorResponse{Error: "PermissionDenied", Message: err.Error(), Reason: string(errs.DenialReason(err))}
	case errs.IsNotFound(err):
		code = http.StatusNotFound
		resp = errorResponse{Error: "NotFound", Message: err.Error()}
	case errs.IsAlreadyInactive(err):
		code = http.StatusConflict
		resp = errorResponse{Error: "AlreadyInactive", Message: err.Error()}
	case errs.IsConflict(err):
		code = http.StatusConflict
		resp = errorResponse{Error: "Conflict", Message: err.Error()}
	}

	if code >= 500 {
		srv.logger.Error("API request failed", "path", c.Path(), "method", c.Request().Method, "err", err)
	}
	apiErrors.WithLabelValues(strconv.Itoa(code)).Inc()

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		srv.logger.Warn("failed to write error response", "err", err)
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func queryBool(c echo.Context, name string) (bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errs.Invalid(name, "must be a boolean")
	}
	return v, nil
}
