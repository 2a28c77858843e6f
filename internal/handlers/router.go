package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medina-market/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Group names a route group mounted under the API prefix.
type Group string

const (
	GroupPublic   Group = "/public"
	GroupMe       Group = "/me"
	GroupOrders   Group = "/orders"
	GroupPayments Group = "/payments"
	GroupAdmin    Group = "/admin"
	GroupWebhooks Group = "/webhooks"
	GroupInternal Group = "/internal"
)

// mount order; chi resolves by pattern so this only fixes the route listing order.
var groupOrder = []Group{GroupPublic, GroupMe, GroupOrders, GroupPayments, GroupAdmin, GroupWebhooks, GroupInternal}

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 30 * time.Second
	// Gateway webhooks and order payloads are small JSON documents.
	maxRequestBytes = 1 << 20
)

type routeGroup struct {
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[Group]*routeGroup
}

func (c *routerConfig) group(g Group) *routeGroup {
	if c.groups == nil {
		c.groups = make(map[Group]*routeGroup)
	}
	rg, ok := c.groups[g]
	if !ok {
		rg = &routeGroup{}
		c.groups[g] = rg
	}
	return rg
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: health probes at the root, every configured group under
// /api/v1. Groups without a registrar are not mounted and answer 404.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.RequestSize(maxRequestBytes),
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no such route", http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed here", http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, g := range groupOrder {
			rg := cfg.groups[g]
			if rg == nil || rg.register == nil {
				continue
			}
			api.Route(string(g), func(sub chi.Router) {
				for _, mw := range rg.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				rg.register(sub)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware, applied after the request id, real ip, body limit and
// timeout middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithRoutes mounts reg under the group path with optional group middleware.
func WithRoutes(g Group, reg RouteRegistrar, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		rg := cfg.group(g)
		rg.register = reg
		rg.middlewares = append(rg.middlewares, mw...)
	}
}

// WithGroupMiddlewares adds middleware to a group whose routes are registered elsewhere.
func WithGroupMiddlewares(g Group, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		rg := cfg.group(g)
		rg.middlewares = append(rg.middlewares, mw...)
	}
}

func WithPublicRoutes(reg RouteRegistrar) Option   { return WithRoutes(GroupPublic, reg) }
func WithMeRoutes(reg RouteRegistrar) Option       { return WithRoutes(GroupMe, reg) }
func WithOrderRoutes(reg RouteRegistrar) Option    { return WithRoutes(GroupOrders, reg) }
func WithPaymentRoutes(reg RouteRegistrar) Option  { return WithRoutes(GroupPayments, reg) }
func WithAdminRoutes(reg RouteRegistrar) Option    { return WithRoutes(GroupAdmin, reg) }
func WithWebhookRoutes(reg RouteRegistrar) Option  { return WithRoutes(GroupWebhooks, reg) }
func WithInternalRoutes(reg RouteRegistrar) Option { return WithRoutes(GroupInternal, reg) }

// WithWebhookMiddlewares guards /webhooks, typically with gateway signature checks.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return WithGroupMiddlewares(GroupWebhooks, mw...)
}

// WithInternalMiddlewares guards /internal, typically with OIDC.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return WithGroupMiddlewares(GroupInternal, mw...)
}
