package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/internal/gate"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// postSignal is the pipeline entry point. The raw webhook payload is
// normalized, gated against the current direction policy, persisted, and
// fanned out to every active venue connection. Rejections are persisted too
// so the audit trail covers everything that arrived.
func (s *Server) postSignal(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	ctx := c.Request.Context()
	s.Bus.Publish(events.EventSignalReceived, raw)

	sig, err := s.Normalizer.Normalize(raw)
	if err != nil {
		s.persistRejection(ctx, sig)
		c.JSON(http.StatusBadRequest, gin.H{
			"signal_id": sig.ID,
			"status":    sig.Status,
			"reason":    sig.Reason,
		})
		return
	}

	snap, err := s.Gate.Evaluate(sig)
	sig.PolicyStale = snap.Stale
	var rej *gate.PolicyRejection
	if errors.As(err, &rej) {
		sig.Status = signal.StatusRejected
		sig.Reason = rej.Error()
		s.persistRejection(ctx, sig)
		c.JSON(http.StatusOK, gin.H{
			"signal_id": sig.ID,
			"status":    sig.Status,
			"reason":    sig.Reason,
			"policy":    snap.Direction,
		})
		return
	}

	sig.Status = signal.StatusApproved
	if err := s.DB.InsertSignal(ctx, sig); err != nil {
		log.Printf("api: persist signal %s: %v", sig.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist signal"})
		return
	}
	s.Bus.Publish(events.EventSignalApproved, sig)

	conns, err := s.DB.ListActiveConnections(ctx)
	if err != nil {
		log.Printf("api: list connections: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load connections"})
		return
	}

	// per-tier backpressure drops are handled inside Enqueue; an error here
	// means persistence failed
	accepted, err := s.Sched.Enqueue(ctx, sig, conns)
	if err != nil {
		log.Printf("api: enqueue signal %s: %v", sig.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signal_id": sig.ID,
		"status":    sig.Status,
		"policy":    snap.Direction,
		"stale":     snap.Stale,
		"enqueued":  accepted,
	})
}

func (s *Server) persistRejection(ctx context.Context, sig db.Signal) {
	if err := s.DB.InsertSignal(ctx, sig); err != nil {
		log.Printf("api: persist rejected signal %s: %v", sig.ID, err)
	}
	s.Bus.Publish(events.EventSignalRejected, sig)
}

func (s *Server) queueStatus(c *gin.Context) {
	managed, sandbox := s.Sched.Depths()
	c.JSON(http.StatusOK, gin.H{
		"queues": gin.H{
			"managed": managed,
			"sandbox": sandbox,
			"drained": s.Sched.Drained(),
		},
		"metrics": s.Metrics.Snapshot(),
	})
}

type operationView struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Tier       string    `json:"tier"`
	Venue      string    `json:"venue"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type orderView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Venue           string     `json:"venue"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Qty             float64    `json:"qty"`
	Price           float64    `json:"price"`
	TakeProfit      float64    `json:"take_profit,omitempty"`
	StopLoss        float64    `json:"stop_loss,omitempty"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Attempts        int        `json:"attempts"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

func (s *Server) executions(c *gin.Context) {
	signalID := c.Param("signalId")
	ctx := c.Request.Context()

	sig, err := s.DB.GetSignal(ctx, signalID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	ops, err := s.DB.ListOpsBySignal(ctx, signalID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	orders, err := s.DB.ListOrdersBySignal(ctx, signalID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	opViews := make([]operationView, 0, len(ops))
	for _, op := range ops {
		opViews = append(opViews, operationView{
			ID:         op.ID,
			UserID:     op.UserID,
			Tier:       op.Tier,
			Venue:      op.Venue,
			Status:     op.Status,
			Attempts:   op.Attempts,
			Reason:     op.Reason,
			EnqueuedAt: op.EnqueuedAt,
		})
	}
	orderViews := make([]orderView, 0, len(orders))
	for _, o := range orders {
		orderViews = append(orderViews, orderView{
			ID:              o.ID,
			UserID:          o.UserID,
			Venue:           o.Venue,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Qty:             o.Qty,
			Price:           o.Price,
			TakeProfit:      o.TakeProfit,
			StopLoss:        o.StopLoss,
			Status:          o.Status,
			Reason:          o.Reason,
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Attempts:        o.Attempts,
			ExecutedAt:      o.ExecutedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"signal": gin.H{
			"id":           sig.ID,
			"symbol":       sig.Symbol,
			"direction":    sig.Direction,
			"strength":     sig.Strength,
			"source":       sig.Source,
			"status":       sig.Status,
			"reason":       sig.Reason,
			"policy_stale": sig.PolicyStale,
			"received_at":  sig.ReceivedAt,
		},
		"operations": opViews,
		"orders":     orderViews,
	})
}

func (s *Server) policy(c *gin.Context) {
	snap := s.Gate.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"direction":       snap.Direction,
		"sentiment_score": snap.SentimentScore,
		"reason":          snap.Reason,
		"computed_at":     snap.ComputedAt,
		"stale":           snap.Stale,
	})
}

func (s *Server) policyHistory(c *gin.Context) {
	policies, err := s.DB.ListPolicies(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	out := make([]gin.H, 0, len(policies))
	for _, p := range policies {
		out = append(out, gin.H{
			"direction":       p.Direction,
			"sentiment_score": p.SentimentScore,
			"reason":          p.Reason,
			"computed_at":     p.ComputedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"policies": out})
}

func (s *Server) commissions(c *gin.Context) {
	userID := CurrentUserID(c)
	records, err := s.DB.ListCommissionsByUser(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		entry := gin.H{
			"id":               r.ID,
			"position_id":      r.PositionID,
			"gross_profit":     r.GrossProfit,
			"commission_rate":  r.CommissionRate,
			"total_commission": r.TotalCommission,
			"affiliate_share":  r.AffiliateShare,
			"company_share":    r.CompanyShare,
			"currency":         r.Currency,
			"created_at":       r.CreatedAt,
		}
		if r.SecondaryCurrency != "" {
			entry["secondary_currency"] = r.SecondaryCurrency
			entry["secondary_total"] = r.SecondaryTotal
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"commissions": out})
}

type connectionRequest struct {
	Venue     string `json:"venue" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

func (s *Server) createConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "venue, api_key and api_secret are required"})
		return
	}

	sealedKey, err := s.Vault.Seal(req.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to secure credentials"})
		return
	}
	sealedSecret, err := s.Vault.Seal(req.APISecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to secure credentials"})
		return
	}

	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             CurrentUserID(c),
		Venue:              req.Venue,
		APIKeyEncrypted:    sealedKey,
		APISecretEncrypted: sealedSecret,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.DB.CreateConnection(c.Request.Context(), conn); err != nil {
		log.Printf("api: create connection for %s: %v", conn.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save connection"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": conn.ID, "venue": conn.Venue})
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.DB.ListActiveConnections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	userID := CurrentUserID(c)
	out := make([]gin.H, 0)
	for _, conn := range conns {
		if conn.UserID != userID {
			continue
		}
		out = append(out, gin.H{
			"id":         conn.ID,
			"venue":      conn.Venue,
			"created_at": conn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (s *Server) cancelOperation(c *gin.Context) {
	opID := c.Param("id")
	if err := s.Sched.Cancel(c.Request.Context(), opID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		log.Printf("api: cancel op %s: %v", opID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": opID, "status": "cancelled"})
}
