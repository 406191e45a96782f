package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Gateway is what the HTTP surface needs from the session registry
type Gateway interface {
	List() []types.InstanceDetail
	Init(ctx context.Context, key string, hook *types.Webhook) (types.InstanceDetail, error)
	Info(key string) (types.InstanceDetail, error)
	Delete(ctx context.Context, key string) error
	SendText(ctx context.Context, key, to, text string) (string, error)
	ReadMessage(ctx context.Context, key string, msg whatsapp.MessageKey) error
	Chats(ctx context.Context, key string) ([]mirror.Chat, error)

	Groups(ctx context.Context, key string) ([]whatsapp.GroupSummary, error)
	CreateGroup(ctx context.Context, key, name string, users []string) (mirror.GroupMetadata, error)
	AddParticipants(ctx context.Context, key, group string, users []string) (types.OperationResult, error)
	MakeAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error)
	DemoteAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error)
	ParticipantsUpdate(ctx context.Context, key, group string, users []string, action mirror.ParticipantAction) (types.OperationResult, error)
	SettingUpdate(ctx context.Context, key, group string, setting whatsapp.GroupSetting) (types.OperationResult, error)
	UpdateSubject(ctx context.Context, key, group, subject string) (types.OperationResult, error)
	UpdateDescription(ctx context.Context, key, group, description string) (types.OperationResult, error)
	LeaveGroup(ctx context.Context, key, group string) error
	InviteCode(ctx context.Context, key, group string) (string, error)
}

type Options struct {
	Port          int
	Token         string
	ProtectRoutes bool
}

type Server struct {
	gateway Gateway
	engine  *gin.Engine
	http    *http.Server
	logger  zerolog.Logger
}

func NewServer(gateway Gateway, opts Options, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		gateway: gateway,
		engine:  gin.New(),
		logger:  logger.With().Str("component", "http").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.observe())
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/status", func(c *gin.Context) { c.String(http.StatusOK, "OK") })

	api := s.engine.Group("/")
	if opts.ProtectRoutes {
		api.Use(BearerAuth(opts.Token))
	}
	api.GET("/instance/list", s.listInstances)
	api.POST("/instance/init", s.initInstance)
	api.GET("/instance/info/:key", s.instanceInfo)
	api.DELETE("/instance/delete/:key", s.deleteInstance)
	api.POST("/message/text/:key", s.sendText)
	api.POST("/message/read/:key", s.readMessage)
	api.GET("/misc/chats/:key", s.listChats)

	group := api.Group("/group")
	group.GET("/list/:key", s.listGroups)
	group.POST("/create/:key", s.createGroup)
	group.POST("/addparticipant/:key", s.addParticipants)
	group.PUT("/makeadmin/:key", s.makeAdmin)
	group.PUT("/demoteadmin/:key", s.demoteAdmin)
	group.POST("/participantsupdate/:key", s.participantsUpdate)
	group.PUT("/settingsupdate/:key", s.settingUpdate)
	group.PUT("/updatesubject/:key", s.updateSubject)
	group.PUT("/updatedescription/:key", s.updateDescription)
	group.GET("/leave/:key", s.leaveGroup)
	group.GET("/getinvitecode/:key", s.inviteCode)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// observe records request metrics and logs failed requests.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if status >= http.StatusInternalServerError {
			s.logger.Warn().Str("route", route).Int("status", status).Dur("took", time.Since(start)).Msg("Request failed")
		}
	}
}
