// Package server exposes the payment monitoring service over HTTP: the
// initiate-payment endpoint, the websocket push channel for observers,
// and cached price lookups.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch"
	"github.com/vitwit/paywatch/hub"
	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/types"
	"github.com/vitwit/paywatch/utils"
)

type Server struct {
	svc    *paywatch.Service
	engine *gin.Engine
	log    logger.Logger

	upgrader websocket.Upgrader
}

type initiatePaymentRequest struct {
	Amount          float64 `json:"amount" validate:"required,gt=0"`
	MerchantAddress string  `json:"merchantAddress" validate:"required"`
}

func New(svc *paywatch.Service, log logger.Logger, enableMetrics bool) *Server {
	if log == nil {
		log = logger.NoopLogger{}
	}

	s := &Server{
		svc: svc,
		log: log,
		upgrader: websocket.Upgrader{
			// Observers are anonymous read-only clients; no origin
			// restriction beyond what a deployment proxy enforces.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/initiate-payment", s.handleInitiatePayment)
	engine.GET("/ws", s.handleObserver)
	engine.GET("/price/:asset", s.handlePrice)
	engine.GET("/healthz", s.handleHealth)
	if enableMetrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.engine = engine
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleInitiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.svc.InitiatePayment(c.Request.Context(), types.PaymentRequest{
		Amount:          decimal.NewFromFloat(req.Amount),
		MerchantAddress: req.MerchantAddress,
	})

	switch result.HTTPStatus {
	case http.StatusOK:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message})
	case http.StatusConflict:
		c.JSON(http.StatusConflict, gin.H{
			"success":   false,
			"message":   result.Message,
			"errorType": result.ErrorType,
		})
	default:
		c.JSON(result.HTTPStatus, gin.H{"error": result.Message})
	}
}

// handleObserver upgrades the connection and registers it with the
// broadcast hub. Clients send no protocol payload; the read loop exists
// only to notice the peer going away.
func (s *Server) handleObserver(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	sink := hub.NewWSSink(conn)
	s.svc.Hub().Register(sink)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.svc.Hub().Unregister(sink)
				_ = sink.Close()
				return
			}
		}
	}()
}

func (s *Server) handlePrice(c *gin.Context) {
	asset := c.Param("asset")

	price := s.svc.Price(asset)
	if price.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "price unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset": asset, "price": price.String()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"pendingSessions": s.svc.PendingSessions(),
		"observers":       s.svc.Hub().Len(),
	})
}
