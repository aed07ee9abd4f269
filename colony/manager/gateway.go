package manager

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/NYTimes/gziphandler"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
)

// GatewayConfig wires a Manager to an HTTP surface (spec.md §6), grounded on
// hive/gateway/gateway.go's GatewayConfig/SetupRoutes shape: a fiber app
// built from a slog JSON handler, cors, and a custom ErrorHandler that maps
// the colonyerr taxonomy onto JSON instead of the teacher's AWS XML.
type GatewayConfig struct {
	Manager        *Manager
	Debug          bool
	DisableLogging bool

	// AllowOrigins is passed straight through to cors.Config; empty means
	// the gofiber default ("*").
	AllowOrigins string
}

// SetupRoutes builds the fiber app exposing spec.md §6's per-actor HTTP
// endpoints (GET /health, POST /action/:name, ALL /request/*) plus the
// WebSocket connect/raw/inspector subpaths (websocket.go), all addressed by
// actor id under /colony/actors/:id, with the (name,key) routing endpoints
// that resolve an id in the first place.
func (gw *GatewayConfig) SetupRoutes() *fiber.App {
	var logLevel slog.Level
	switch {
	case gw.Debug:
		logLevel = slog.LevelDebug
	case gw.DisableLogging:
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	app := fiber.New(fiber.Config{
		DisableStartupMessage: gw.DisableLogging,
		ErrorHandler: func(ctx *fiber.Ctx, err error) error {
			return gw.ErrorHandler(ctx, err)
		},
	})

	if !gw.DisableLogging {
		app.Use(logger.New())
	}

	origins := gw.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,PUT,DELETE,HEAD,OPTIONS",
		AllowHeaders: "*",
	}))

	// Compress JSON/text responses the same way hive-ui's gzipMiddleware
	// does, adapted from a net/http middleware into a fiber one via
	// middleware/adaptor (the teacher never ran gziphandler through fiber —
	// hiveui.go serves plain net/http — so this is the fiber-side
	// equivalent of that same middleware function).
	app.Use(adaptor.HTTPMiddleware(gzipMiddleware()))

	app.Get("/health", gw.handleHealth)

	app.Post("/colony/types/:name/actors", gw.handleCreateActor)
	app.Post("/colony/types/:name/actors/get-or-create", gw.handleGetOrCreateActor)
	app.Get("/colony/types/:name/actors", gw.handleListActors)

	app.Get("/colony/actors/:id", gw.handleGetActor)
	app.Post("/colony/actors/:id/action/:name", gw.handleAction)
	app.All("/colony/actors/:id/request/*", gw.handleRequest)

	if gw.Manager.cfg.InspectorToken != "" {
		app.Get("/colony/inspector/actors", gw.requireInspectorToken, gw.handleInspectorActors)
	}

	gw.setupWebSocketRoutes(app)

	return app
}

func gzipMiddleware() func(http.Handler) http.Handler {
	g, err := gziphandler.GzipHandlerWithOpts(gziphandler.ContentTypes([]string{
		"application/json",
		"text/plain",
	}))
	if err != nil {
		slog.Warn("manager: failed to build gzip middleware, serving uncompressed", "err", err)
		return func(next http.Handler) http.Handler { return next }
	}
	return g
}

// ErrorHandler maps any error surfaced by a route handler onto a JSON
// {group,code,message} body with the taxonomy's statusCode (spec.md §6/§7),
// the JSON-API counterpart of hive/gateway/gateway.go's XML ErrorHandler.
func (gw *GatewayConfig) ErrorHandler(ctx *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if as, ok := err.(*fiber.Error); ok {
		fe = as
		return ctx.Status(fe.Code).JSON(fiber.Map{"group": "http", "code": "request_error", "message": fe.Message})
	}

	wireErr := colonyerr.ForClient(err, gw.Manager.cfg.Dev)
	slog.Debug("manager: request error", "group", wireErr.Group, "code", wireErr.Code, "err", err)
	return ctx.Status(wireErr.StatusCode).JSON(fiber.Map{
		"group":   wireErr.Group,
		"code":    wireErr.Code,
		"message": wireErr.Message,
	})
}

func (gw *GatewayConfig) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

type createActorBody struct {
	Key   []string `json:"key"`
	Input any      `json:"input"`
}

func (gw *GatewayConfig) handleCreateActor(c *fiber.Ctx) error {
	var body createActorBody
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return colonyerr.ActionInvalidRequest.WithCause(err)
		}
	}
	actorID, err := gw.Manager.CreateActor(c.Context(), c.Params("name"), body.Key, body.Input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"id": actorID})
}

func (gw *GatewayConfig) handleGetOrCreateActor(c *fiber.Ctx) error {
	var body createActorBody
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return colonyerr.ActionInvalidRequest.WithCause(err)
		}
	}
	meta, err := gw.Manager.GetOrCreateWithKey(c.Context(), c.Params("name"), body.Key, body.Input)
	if err != nil {
		return err
	}
	return c.JSON(meta)
}

func (gw *GatewayConfig) handleListActors(c *fiber.Ctx) error {
	return c.JSON(gw.Manager.ListActors(c.Params("name")))
}

func (gw *GatewayConfig) handleGetActor(c *fiber.Ctx) error {
	meta, err := gw.Manager.GetForID(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(meta)
}

func (gw *GatewayConfig) handleAction(c *fiber.Ctx) error {
	var args any
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &args); err != nil {
			return colonyerr.ActionInvalidRequest.WithCause(err)
		}
	}
	out, err := gw.Manager.InvokeAction(c.Context(), c.Params("id"), c.Params("name"), args)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"output": out})
}

func (gw *GatewayConfig) handleRequest(c *fiber.Ctx) error {
	req := &actor.Request{
		Method:  c.Method(),
		Path:    strings.TrimPrefix(c.Path(), "/colony/actors/"+c.Params("id")+"/request"),
		Headers: c.GetReqHeaders(),
		Body:    c.Body(),
	}
	resp, err := gw.Manager.SendRequest(c.Context(), c.Params("id"), req)
	if err != nil {
		return err
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			c.Set(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return c.Status(status).Send(resp.Body)
}

func (gw *GatewayConfig) requireInspectorToken(c *fiber.Ctx) error {
	if !constantTimeTokenEqual(c.Get("X-Colony-Inspector-Token"), gw.Manager.cfg.InspectorToken) {
		return colonyerr.AuthForbidden
	}
	return c.Next()
}

func (gw *GatewayConfig) handleInspectorActors(c *fiber.Ctx) error {
	return c.JSON(gw.Manager.reg.All())
}
