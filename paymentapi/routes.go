package paymentapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/httptypes"
	"gitlab.com/arcanecrypto/paykit/internal/paymentmanager"
	"gitlab.com/arcanecrypto/paykit/internal/plugin"
)

// createOrderRequest is the wire shape of a POST /payment-orders body.
type createOrderRequest struct {
	ClientOrderID   string     `json:"clientOrderId" binding:"required"`
	CounterpartyURL string     `json:"counterpartyURL" binding:"required,url"`
	Memo            string     `json:"memo"`
	SendingPriority []string   `json:"sendingPriority"`
	Amount          string     `json:"amount" binding:"required"`
	Currency        string     `json:"currency"`
	Denomination    string     `json:"denomination"`
	FrequencySecs   int64      `json:"frequencySeconds"`
	FirstPaymentAt  *time.Time `json:"firstPaymentAt"`
	LastPaymentAt   *time.Time `json:"lastPaymentAt"`
}

func (s *Server) registerPaymentOrderRoutes() {
	orders := s.Router.Group("/payment-orders")
	orders.POST("", s.createPaymentOrder())
	orders.POST("/:id/send", s.sendPayment())
}

// createPaymentOrder handles POST /payment-orders.
func (s *Server) createPaymentOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderRequest
		if c.BindJSON(&req) != nil {
			return
		}

		amt, err := amount.New(req.Amount, req.Currency, amount.Denomination(req.Denomination))
		if err != nil {
			_ = c.Error(err)
			return
		}

		firstPaymentAt := time.Now()
		if req.FirstPaymentAt != nil {
			firstPaymentAt = *req.FirstPaymentAt
		}

		order, err := s.manager.CreatePaymentOrder(paymentmanager.CreateOrderParams{
			ClientOrderID:   req.ClientOrderID,
			CounterpartyURL: req.CounterpartyURL,
			Memo:            req.Memo,
			SendingPriority: req.SendingPriority,
			Amount:          amt,
			Frequency:       time.Duration(req.FrequencySecs) * time.Second,
			FirstPaymentAt:  firstPaymentAt,
			LastPaymentAt:   req.LastPaymentAt,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, httptypes.Response(order))
	}
}

// sendPayment handles POST /payment-orders/{id}/send.
func (s *Server) sendPayment() gin.HandlerFunc {
	type uri struct {
		ID string `uri:"id" binding:"required"`
	}
	return func(c *gin.Context) {
		var req uri
		if c.BindUri(&req) != nil {
			return
		}

		if err := s.manager.SendPayment(c.Request.Context(), req.ID); err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusAccepted, httptypes.Response(gin.H{"orderId": req.ID}))
	}
}

// createInvoiceRequest is the wire shape of a POST /invoices body.
// ClientOrderID is passed to the Manager as given; an empty one is rejected
// by the Receiver, and this route never publishes the public catalogue.
type createInvoiceRequest struct {
	ClientOrderID string `json:"clientOrderId"`
	Amount        string `json:"amount" binding:"required"`
	Currency      string `json:"currency"`
	Denomination  string `json:"denomination"`
}

func (s *Server) registerReceiveRoutes() {
	s.Router.POST("/invoices", s.createInvoice())
}

// createInvoice handles POST /invoices.
func (s *Server) createInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createInvoiceRequest
		if c.BindJSON(&req) != nil {
			return
		}

		amt, err := amount.New(req.Amount, req.Currency, amount.Denomination(req.Denomination))
		if err != nil {
			_ = c.Error(err)
			return
		}

		url, err := s.manager.CreateInvoice(c.Request.Context(), req.ClientOrderID, amt)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, httptypes.Response(gin.H{"url": url}))
	}
}

func (s *Server) registerCallbackRoutes() {
	s.Router.POST("/plugin-events", pluginAuthMiddleware(s.config.PluginWebhookSecret), s.pluginEvent())
	s.Router.POST("/user-actions", s.userAction())
}

// pluginEvent handles POST /plugin-events: an out-of-process plugin
// reporting a notification it cannot deliver through its in-process
// NotificationCallback.
func (s *Server) pluginEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var update plugin.Update
		if c.BindJSON(&update) != nil {
			return
		}

		s.manager.HandlePluginEvent(update)
		c.JSON(http.StatusAccepted, httptypes.Response(nil))
	}
}

// userActionRequest is the wire shape of a POST /user-actions body: a
// user-originated message forwarded to the plugin handling orderId's
// in-progress payment (e.g. a 2FA confirmation a plugin asked for).
type userActionRequest struct {
	OrderID string      `json:"orderId" binding:"required"`
	Data    interface{} `json:"data"`
}

// userAction handles POST /user-actions.
func (s *Server) userAction() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req userActionRequest
		if c.BindJSON(&req) != nil {
			return
		}

		if err := s.manager.EntryPointForUser(req.OrderID, req.Data); err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusAccepted, httptypes.Response(nil))
	}
}
