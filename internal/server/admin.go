// Package server exposes the administrative command surface of the
// order-state layer as a thin HTTP control layer. Every command returns the
// structured per-phase counts of its reconciliation run, partial failures
// included.
package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/recon"
	"github.com/tradewire/orderstate/internal/ws"
	"github.com/tradewire/orderstate/pkg/metrics"
)

// NewRouter builds the admin router.
func NewRouter(svc *recon.Service, feed *ws.Feed, met *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(met.Handler()))
	r.GET("/ws/portfolio", gin.WrapH(feed))

	admin := r.Group("/admin")
	{
		admin.POST("/users/:type/:id/backfill", func(c *gin.Context) {
			includeQueued := c.Query("include_queued") == "true"
			res, err := svc.Backfill(c.Request.Context(), c.Param("type"), c.Param("id"), includeQueued)
			respond(c, res, err)
		})
		admin.POST("/users/:type/:id/rebuild-indices", func(c *gin.Context) {
			res, err := svc.RebuildUserIndices(c.Request.Context(), c.Param("type"), c.Param("id"))
			respond(c, res, err)
		})
		admin.POST("/users/:type/:id/deep-rebuild", func(c *gin.Context) {
			res, err := svc.DeepRebuild(c.Request.Context(), c.Param("type"), c.Param("id"))
			respond(c, res, err)
		})
		admin.POST("/users/:type/:id/prune", func(c *gin.Context) {
			deep := c.Query("deep") == "true"
			pruneHolders := c.Query("prune_symbol_holders") == "true"
			res, err := svc.Prune(c.Request.Context(), c.Param("type"), c.Param("id"), deep, pruneHolders)
			respond(c, res, err)
		})
		admin.POST("/users/:type/:id/holdings/:order_id", func(c *gin.Context) {
			res, err := svc.EnsureSingleHolding(c.Request.Context(), c.Param("type"), c.Param("id"), c.Param("order_id"))
			respond(c, res, err)
		})
		admin.POST("/users/:type/:id/symbol-holders/:symbol", func(c *gin.Context) {
			err := svc.EnsureSymbolHolder(c.Request.Context(), c.Param("type"), c.Param("id"), c.Param("symbol"))
			respond(c, gin.H{"ensured": err == nil}, err)
		})
		admin.POST("/symbols/:symbol/rebuild-holders", func(c *gin.Context) {
			res, err := svc.RebuildSymbolHolders(c.Request.Context(), c.Param("symbol"), c.Query("scope"))
			respond(c, res, err)
		})
		admin.GET("/users/:type/:id/portfolio", func(c *gin.Context) {
			detailed := c.Query("detailed") == "true"
			res, err := svc.PortfolioSnapshot(c.Request.Context(), c.Param("type"), c.Param("id"), detailed)
			respond(c, res, err)
		})
	}
	return r
}

func respond(c *gin.Context, body interface{}, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body)
}
