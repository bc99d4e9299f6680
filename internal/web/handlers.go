package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.ledger.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"paused":               stats.Paused,
		"traders":              stats.Traders,
		"active_relationships": stats.ActiveRelationships,
		"open_positions":       stats.OpenPositions,
	})
}

// Traders

func (s *Server) handleListTraders(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	traders := s.ledger.Traders(activeOnly)
	if traders == nil {
		traders = []*domain.Trader{}
	}
	c.JSON(http.StatusOK, traders)
}

func (s *Server) handleGetTrader(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	t, err := s.ledger.Trader(addr)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleTraderStats(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	stats, err := s.ledger.TraderStats(addr)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleCopiers(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	copiers := s.ledger.Copiers(addr)
	if copiers == nil {
		copiers = []*domain.CopyRelationship{}
	}
	c.JSON(http.StatusOK, copiers)
}

func (s *Server) handleRegisterTrader(c *gin.Context) {
	var p domain.TraderParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	addr, err := s.ledger.RegisterTrader(c.Request.Context(), callerFrom(c), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	t, err := s.ledger.Trader(addr)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleUpdateTrader(c *gin.Context) {
	var p domain.TraderParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := s.ledger.UpdateTraderSettings(c.Request.Context(), callerFrom(c), p); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeregisterTrader(c *gin.Context) {
	if err := s.ledger.DeregisterTrader(c.Request.Context(), callerFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Copy relationships

type startCopyRequest struct {
	Trader   domain.Address      `json:"trader"`
	Amount   domain.Amount       `json:"amount"`
	Settings domain.CopySettings `json:"settings"`
}

func (s *Server) handleStartCopying(c *gin.Context) {
	req := startCopyRequest{Settings: domain.DefaultCopySettings()}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	copier := callerFrom(c)
	if _, err := s.ledger.StartCopying(c.Request.Context(), copier, req.Trader, req.Amount, req.Settings); err != nil {
		s.writeError(c, err)
		return
	}
	rel, err := s.ledger.Relationship(copier, req.Trader)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

func (s *Server) handleUpdateCopySettings(c *gin.Context) {
	trader, ok := addressParam(c, "trader")
	if !ok {
		return
	}
	copier := callerFrom(c)
	current, err := s.ledger.Relationship(copier, trader)
	if err != nil {
		s.writeError(c, err)
		return
	}
	// Fields left out of the body keep their current value.
	settings := current.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := s.ledger.UpdateCopySettings(c.Request.Context(), copier, trader, settings); err != nil {
		s.writeError(c, err)
		return
	}
	rel, err := s.ledger.Relationship(copier, trader)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) handleStopCopying(c *gin.Context) {
	trader, ok := addressParam(c, "trader")
	if !ok {
		return
	}
	if err := s.ledger.StopCopying(c.Request.Context(), callerFrom(c), trader); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetRelationship(c *gin.Context) {
	copier, ok := addressParam(c, "copier")
	if !ok {
		return
	}
	trader, ok := addressParam(c, "trader")
	if !ok {
		return
	}
	rel, err := s.ledger.Relationship(copier, trader)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

// Positions

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req usecase.OpenPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	var (
		res *usecase.OpenResult
		err error
	)
	if s.executor != nil {
		res, err = s.executor.Open(c.Request.Context(), callerFrom(c), req)
	} else {
		res, err = s.ledger.OpenPosition(c.Request.Context(), callerFrom(c), req)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type closeRequest struct {
	ExitPrice *domain.Amount `json:"exit_price"`
	PnL       *domain.Amount `json:"pnl"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid position id")
		return
	}
	var req closeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.ExitPrice != nil && req.PnL != nil {
		badRequest(c, "exit_price and pnl are mutually exclusive")
		return
	}

	ctx := c.Request.Context()
	caller := callerFrom(c)
	if req.ExitPrice != nil || req.PnL != nil {
		if err := s.checkClosePrice(caller, id, req.PnL != nil); err != nil {
			s.writeError(c, err)
			return
		}
	}
	var res *usecase.CloseResult
	switch {
	case req.PnL != nil:
		res, err = s.ledger.ClosePositionWithPnL(ctx, caller, id, *req.PnL)
	case req.ExitPrice != nil:
		res, err = s.ledger.ClosePosition(ctx, caller, id, *req.ExitPrice)
	case s.executor != nil:
		res, err = s.executor.Close(ctx, caller, id, domain.Amount{})
	default:
		badRequest(c, "exit_price or pnl is required")
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// checkClosePrice decides whether caller may price an exit itself. The ledger
// owner always may. A pnl is owner-only. With an oracle configured every other
// exit is priced by it; without one a trader may price the close of their own
// position, which then cascades to its mirrors.
func (s *Server) checkClosePrice(caller domain.Address, id uint64, withPnL bool) error {
	if owner := s.ledger.Config().Owner; owner != (domain.Address{}) && owner == caller {
		return nil
	}
	untrusted := domain.ErrUntrustedPrice.With("caller", caller.Hex())
	if withPnL || s.executor != nil {
		return untrusted
	}
	p, err := s.ledger.Position(id)
	if err != nil {
		return err
	}
	if p.Kind != domain.KindOwn || p.Owner != caller {
		return untrusted
	}
	return nil
}

func (s *Server) handleGetPosition(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid position id")
		return
	}
	p, err := s.ledger.Position(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleListPositions(c *gin.Context) {
	var f domain.PositionFilter
	if v := c.Query("owner"); v != "" {
		addr, ok := parseAddress(v)
		if !ok {
			badRequest(c, "invalid owner")
			return
		}
		f.Owner = &addr
	}
	if v := c.Query("trader"); v != "" {
		addr, ok := parseAddress(v)
		if !ok {
			badRequest(c, "invalid trader")
			return
		}
		f.Trader = &addr
	}
	f.Symbol = strings.ToUpper(c.Query("symbol"))
	f.Status = domain.PositionStatus(c.Query("status"))
	if v := c.Query("parent_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid parent_id")
			return
		}
		f.ParentID = id
	}
	positions := s.ledger.Positions(f)
	if positions == nil {
		positions = []*domain.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	price, err := s.executor.Price(c.Request.Context(), symbol)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price})
}

// Funds

type amountRequest struct {
	Amount domain.Amount `json:"amount"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	caller := callerFrom(c)
	if err := s.ledger.Deposit(c.Request.Context(), caller, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": caller, "balance": s.ledger.Balance(caller)})
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	caller := callerFrom(c)
	if err := s.ledger.Withdraw(c.Request.Context(), caller, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": caller, "balance": s.ledger.Balance(caller)})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.ledger.Portfolio(addr))
}

// Events

func (s *Server) handleListEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		badRequest(c, "invalid after")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}
	evs, err := s.ledger.Events(c.Request.Context(), after, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

func (s *Server) handleEventStream(c *gin.Context) {
	var filter *domain.Address
	if v := c.Query("address"); v != "" {
		addr, ok := parseAddress(v)
		if !ok {
			badRequest(c, "invalid address")
			return
		}
		filter = &addr
	}
	s.hub.ServeWS(c.Writer, c.Request, filter)
}

// Admin

func (s *Server) handlePause(c *gin.Context) {
	if err := s.ledger.Pause(c.Request.Context(), callerFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleUnpause(c *gin.Context) {
	if err := s.ledger.Unpause(c.Request.Context(), callerFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleSetPlatformFee(c *gin.Context) {
	var req struct {
		Bps domain.Bps `json:"bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := s.ledger.SetPlatformFee(c.Request.Context(), callerFrom(c), req.Bps); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform_fee_bps": req.Bps})
}

func (s *Server) handleVerifyTrader(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	if err := s.ledger.VerifyTrader(c.Request.Context(), callerFrom(c), addr); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleMarkPrice lets the owner push a mark price when no oracle runs.
func (s *Server) handleMarkPrice(c *gin.Context) {
	caller := callerFrom(c)
	if owner := s.ledger.Config().Owner; owner == (domain.Address{}) || owner != caller {
		s.writeError(c, domain.ErrNotOwner.With("caller", caller.Hex()))
		return
	}
	var req struct {
		Symbol string        `json:"symbol"`
		Price  domain.Amount `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	closed, err := s.ledger.ApplyMarkPrice(c.Request.Context(), strings.ToUpper(req.Symbol), req.Price)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if closed == nil {
		closed = []*domain.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
