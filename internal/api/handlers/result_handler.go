package handlers

import (
	"net/http"

	"github.com/apk-analysis/artguard/internal/boundary"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ResultHandler 当前进程扫描结果的查询接口
type ResultHandler struct {
	adapter *boundary.Adapter
	logger  *logrus.Logger
}

// NewResultHandler 创建处理器，adapter 为 nil 时所有接口返回降级值
func NewResultHandler(adapter *boundary.Adapter, logger *logrus.Logger) *ResultHandler {
	return &ResultHandler{adapter: adapter, logger: logger}
}

// GetFlags GET /api/v1/flags
func (h *ResultHandler) GetFlags(c *gin.Context) {
	flags := h.adapter.Flags()
	c.JSON(http.StatusOK, gin.H{
		"flags":             flags,
		"self_protected":    flags&domain.FlagSelfProtected != 0,
		"hooks_neutralized": flags&domain.FlagHooksNeutralized != 0,
	})
}

// GetUnhookedMethods GET /api/v1/methods/unhooked
func (h *ResultHandler) GetUnhookedMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.adapter.UnhookedMethods()})
}

// GetClearedCallbacks GET /api/v1/callbacks/cleared
func (h *ResultHandler) GetClearedCallbacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"callbacks": h.adapter.ClearedCallbacks()})
}

// GetFramework GET /api/v1/framework
func (h *ResultHandler) GetFramework(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": h.adapter.FrameworkName()})
}

// GetResult GET /api/v1/result
func (h *ResultHandler) GetResult(c *gin.Context) {
	c.JSON(http.StatusOK, h.adapter.Result())
}

// GetStatus GET /api/v1/status
func (h *ResultHandler) GetStatus(c *gin.Context) {
	resp := gin.H{"degraded": h.adapter.Degraded()}
	if err := h.adapter.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
