package apihttp

import (
	"net/http"

	"keel/internal/engine"
	"keel/internal/ledger"
	"keel/internal/pkg/traderr"
	"keel/internal/reconcile"
	"keel/internal/risk"
	"keel/internal/stoploss"
	"keel/internal/types"
	"keel/internal/venue"

	"github.com/gin-gonic/gin"
)

// Router wires the REST endpoints to the trading core.
type Router struct {
	Engine     *engine.Engine
	Ledger     *ledger.Ledger
	Governor   *risk.Governor
	StopLosses *stoploss.Supervisor
	Auditor    *reconcile.Auditor
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/evaluate/:strategy", r.handleEvaluate)
	group.POST("/orders", r.handleSubmitOrder)
	group.GET("/strategies", r.handleStrategies)

	group.GET("/positions", r.handlePositions)
	group.POST("/positions/sell-all", r.handleSellAll)
	group.GET("/trades", r.handleTrades)
	group.GET("/trades/:id", r.handleTradeByID)

	group.GET("/risk", r.handleRiskStatus)
	group.POST("/risk/breaker/trip", r.handleTripBreaker)
	group.POST("/risk/breaker/reset", r.handleResetBreaker)

	group.GET("/stoploss", r.handleStopLossList)
	group.GET("/stoploss/status", r.handleStopLossStatus)
	group.PUT("/stoploss/:symbol", r.handleStopLossSet)
	group.DELETE("/stoploss/:symbol", r.handleStopLossRemove)
	group.POST("/stoploss/start", r.handleStopLossStart)
	group.POST("/stoploss/stop", r.handleStopLossStop)

	group.POST("/reconcile", r.handleReconcile)
	group.GET("/reconcile/last", r.handleReconcileLast)
	group.POST("/reconcile/sync/:symbol", r.handleReconcileSync)
}

func (r *Router) handleEvaluate(c *gin.Context) {
	result, err := r.Engine.Evaluate(c.Request.Context(), c.Param("strategy"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) handleSubmitOrder(c *gin.Context) {
	var req venue.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exec, err := r.Engine.SubmitOrder(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (r *Router) handleStrategies(c *gin.Context) {
	type view struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var out []view
	for _, s := range r.Engine.Strategies() {
		out = append(out, view{ID: s.ID(), Name: s.Name()})
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handlePositions(c *gin.Context) {
	snapshots, err := r.Ledger.Snapshot(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (r *Router) handleSellAll(c *gin.Context) {
	result, err := r.Engine.SellAllPositions(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) handleTrades(c *gin.Context) {
	var (
		trades []types.Trade
		err    error
	)
	if symbol := c.Query("symbol"); symbol != "" {
		trades, err = r.Ledger.TradesBySymbol(c.Request.Context(), symbol)
	} else {
		trades, err = r.Ledger.Trades(c.Request.Context())
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (r *Router) handleTradeByID(c *gin.Context) {
	trades, err := r.Ledger.Trades(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	id := c.Param("id")
	for _, t := range trades {
		if t.ID == id {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
}

func (r *Router) handleRiskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.Governor.Status())
}

func (r *Router) handleTripBreaker(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual trip via API"
	}
	r.Governor.TripBreaker(body.Reason)
	c.JSON(http.StatusOK, r.Governor.Status())
}

func (r *Router) handleResetBreaker(c *gin.Context) {
	r.Governor.ResetBreaker()
	c.JSON(http.StatusOK, r.Governor.Status())
}

func (r *Router) handleStopLossList(c *gin.Context) {
	c.JSON(http.StatusOK, r.StopLosses.GetAll())
}

func (r *Router) handleStopLossStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.StopLosses.Status())
}

func (r *Router) handleStopLossSet(c *gin.Context) {
	var cfg types.StopLossConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.Symbol = c.Param("symbol")
	if cfg.Type == "" {
		cfg.Type = types.StopLossFixed
	}
	if err := r.StopLosses.SetStopLoss(c.Request.Context(), cfg); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (r *Router) handleStopLossRemove(c *gin.Context) {
	if err := r.StopLosses.RemoveStopLoss(c.Request.Context(), c.Param("symbol")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleStopLossStart(c *gin.Context) {
	r.StopLosses.Start()
	c.JSON(http.StatusOK, r.StopLosses.Status())
}

func (r *Router) handleStopLossStop(c *gin.Context) {
	r.StopLosses.Stop()
	c.JSON(http.StatusOK, r.StopLosses.Status())
}

func (r *Router) handleReconcile(c *gin.Context) {
	result, err := r.Auditor.ReconcilePeriodic(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) handleReconcileLast(c *gin.Context) {
	result, err := r.Auditor.LastResult(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) handleReconcileSync(c *gin.Context) {
	synced, err := r.Auditor.SyncSymbolFromBroker(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "synced": synced})
}

// abortWithError maps the error taxonomy onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case traderr.IsValidation(err):
		status = http.StatusBadRequest
	case traderr.IsNotFound(err):
		status = http.StatusNotFound
	case traderr.IsConflict(err):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
