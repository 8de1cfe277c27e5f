package routers

import (
	"github.com/GrainArc/OfflineMap/views"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OfflineRouters 离线区域接口与指标
func OfflineRouters(r *gin.Engine, oc *views.OfflineController, gatherer prometheus.Gatherer) {
	if oc != nil {
		offlineRouter := r.Group("/offline")
		oc.RegisterRoutes(offlineRouter)
	}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
