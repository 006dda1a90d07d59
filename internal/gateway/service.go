// Package gateway wires the gateway core into a running process: the
// HTTP engine with the websocket endpoint, the optional framed TCP
// listener, and the internal intake the REST tier calls.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/guildgate/internal/config"
	"github.com/danmuck/guildgate/internal/dispatch"
	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/identity"
	"github.com/danmuck/guildgate/internal/observability"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/session"
	"github.com/danmuck/guildgate/internal/shard"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Service struct {
	cfg      config.Config
	store    store.Store
	cache    *guildstate.Cache
	presence *presence.Aggregator
	router   *dispatch.Router
	disp     *dispatch.Dispatcher
	mgr      *session.Manager
	engine   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New opens the configured store and builds the service around it.
func New(cfg config.Config) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	st, err := OpenStore(context.Background(), cfg.Store)
	if err != nil {
		return nil, err
	}
	svc, err := NewWithStore(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithStore builds the service on an already open store. The service
// closes st on shutdown.
func NewWithStore(cfg config.Config, st store.Store) (*Service, error) {
	validator, err := newValidator(cfg.Identity)
	if err != nil {
		return nil, err
	}
	router, err := shard.NewRouter[dispatch.Envelope](cfg.Shards.Count, cfg.Shards.Owned, nil)
	if err != nil {
		return nil, err
	}
	metered := meteredStore{Store: st}
	cache := guildstate.NewCache(metered, cfg.Store.Cache)
	agg := presence.NewAggregator()
	disp := dispatch.New(router, cache, agg, nil)
	mgr, err := session.NewManager(cfg.Session, session.Deps{
		Identity: validator,
		Guilds:   cache,
		Presence: agg,
		Shards:   router,
		Fanout:   disp,
		Node:     cfg.Gateway.Node,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		store:    metered,
		cache:    cache,
		presence: agg,
		router:   router,
		disp:     disp,
		mgr:      mgr,
		appeared: time.Now(),
		conns:    make(map[net.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.newEngine()
	s.registerRoutes()

	if cfg.Shards.AutoReady {
		for _, id := range router.Owned() {
			if _, err := disp.MarkReady(id); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func newValidator(cfg config.Identity) (identity.Validator, error) {
	var chain identity.Chain
	if len(cfg.Tokens) > 0 {
		chain = append(chain, identity.NewStatic(cfg.StaticTokens()))
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		v, err := identity.NewJWT([]byte(secret), cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no identity validator configured", config.ErrInvalidConfig)
	}
	return chain, nil
}

func (s *Service) newEngine() *gin.Engine {
	observability.RegisterMetrics()
	node := s.cfg.Gateway.Node
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger("guildgate", node)))
	r.Use(observability.RequestMetricsMiddleware(node))
	if len(s.cfg.Gateway.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.Gateway.CorsOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

// checkOrigin admits clients without an Origin header (bots, native
// clients) and browsers from a configured origin.
func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Gateway.CorsOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Gateway.CorsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Service) Handler() http.Handler            { return s.engine }
func (s *Service) Store() store.Store               { return s.store }
func (s *Service) Cache() *guildstate.Cache         { return s.cache }
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.disp }
func (s *Service) Sessions() *session.Manager       { return s.mgr }

// Run listens on the configured addresses and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.Gateway.HTTPAddr)
	if err != nil {
		return err
	}
	var tcpLn net.Listener
	if addr := strings.TrimSpace(s.cfg.Gateway.TCPAddr); addr != "" {
		tcpLn, err = s.listenTCP(addr)
		if err != nil {
			_ = httpLn.Close()
			return err
		}
		log.Info().Str("addr", tcpLn.Addr().String()).Msg("gateway.tcp_listening")
	}
	log.Info().Str("addr", httpLn.Addr().String()).Str("node", s.cfg.Gateway.Node).
		Int("shards", s.router.Count()).Ints("owned", s.router.Owned()).Msg("gateway.http_listening")
	return s.Serve(ctx, httpLn, tcpLn)
}

// Serve runs the HTTP engine on httpLn and, when tcpLn is non-nil, the
// framed TCP transport. It returns after a graceful shutdown once ctx
// ends or either listener fails.
func (s *Service) Serve(ctx context.Context, httpLn, tcpLn net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if tcpLn != nil {
		eg.Go(func() error { return s.ServeTCP(ctx, tcpLn) })
	}
	eg.Go(func() error {
		<-ctx.Done()
		return s.shutdown(srv)
	})
	return eg.Wait()
}

func (s *Service) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Int("connections", s.mgr.Connections()).Msg("gateway.shutdown")

	// Hijacked websocket connections are not tracked by http.Server, so
	// the session manager closes them first.
	err := s.mgr.Shutdown(ctx)
	if herr := srv.Shutdown(ctx); err == nil {
		err = herr
	}
	s.closeAllConns()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Warn().Err(err).Msg("gateway.shutdown_incomplete")
	}
	return err
}

func (s *Service) listenTCP(addr string) (net.Listener, error) {
	if s.cfg.Gateway.TLSCertFile == "" {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLSCertFile, s.cfg.Gateway.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	})
}
