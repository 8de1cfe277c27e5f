package views

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/services"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// OfflineController 离线区域接口
type OfflineController struct {
	manager  *services.DownloadManager
	storage  *services.TileStorage
	geocoder *services.Geocoder
	exporter *services.AreaExporter
	upgrader websocket.Upgrader
}

// NewOfflineController 创建控制器
func NewOfflineController(manager *services.DownloadManager, storage *services.TileStorage, geocoder *services.Geocoder, exporter *services.AreaExporter) *OfflineController {
	return &OfflineController{
		manager:  manager,
		storage:  storage,
		geocoder: geocoder,
		exporter: exporter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册路由
func (oc *OfflineController) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/estimate", oc.EstimateTileCount)
	r.POST("/areas", oc.CreateArea)
	r.GET("/areas", oc.ListAreas)
	r.GET("/areas/:id", oc.GetArea)
	r.DELETE("/areas/:id", oc.DeleteArea)
	r.POST("/areas/:id/pause", oc.PauseArea)
	r.POST("/areas/:id/resume", oc.ResumeArea)
	r.POST("/areas/:id/retry", oc.RetryArea)
	r.GET("/areas/:id/tiles", oc.GetAreaTiles)
	r.GET("/areas/:id/export", oc.ExportArea)
	r.GET("/tiles/:z/:x/:y", oc.GetTile)
	r.GET("/geocoder/search", oc.SearchPlaces)
	r.GET("/geocoder/reverse", oc.ReverseGeocode)
	r.GET("/ws/progress", oc.ProgressWS)
	r.GET("/ws/areas", oc.AreasWS)
}

// AreaRequest 下载或预估请求，bounds 与 geojson 二选一
type AreaRequest struct {
	Name    string             `json:"name"`
	Bounds  *tile_proxy.Bounds `json:"bounds"`
	GeoJSON json.RawMessage    `json:"geojson"`
	MinZoom int                `json:"minZoom" binding:"min=0,max=22"`
	MaxZoom int                `json:"maxZoom" binding:"min=0,max=22"`
}

// resolveBounds 优先使用 bounds，否则取 GeoJSON 的外包框
func (req AreaRequest) resolveBounds() (tile_proxy.Bounds, error) {
	if req.Bounds != nil {
		return *req.Bounds, nil
	}
	if len(req.GeoJSON) == 0 {
		return tile_proxy.Bounds{}, fmt.Errorf("%w: bounds or geojson is required", tile_proxy.ErrInvalidBounds)
	}
	bound, err := parseGeoJSONBound(req.GeoJSON)
	if err != nil {
		return tile_proxy.Bounds{}, fmt.Errorf("%w: %v", tile_proxy.ErrInvalidBounds, err)
	}
	return tile_proxy.BoundsFromOrb(bound), nil
}

// parseGeoJSONBound 解析 FeatureCollection、Feature 或 Geometry
func parseGeoJSONBound(raw json.RawMessage) (orb.Bound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return orb.Bound{}, err
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return orb.Bound{}, err
		}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				geoms = append(geoms, f.Geometry)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return orb.Bound{}, err
		}
		if f.Geometry != nil {
			geoms = append(geoms, f.Geometry)
		}
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return orb.Bound{}, err
		}
		geoms = append(geoms, g.Geometry())
	}
	if len(geoms) == 0 {
		return orb.Bound{}, errors.New("geojson has no geometry")
	}

	bound := geoms[0].Bound()
	for _, g := range geoms[1:] {
		bound = bound.Union(g.Bound())
	}
	return bound, nil
}

// errorStatus 错误到HTTP状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tile_proxy.ErrInvalidBounds), errors.Is(err, tile_proxy.ErrInvalidZoom):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAreaNotFound), errors.Is(err, services.ErrTileNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIllegalTransition), errors.Is(err, services.ErrAreaNotReady):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := errorStatus(err)
	c.JSON(status, gin.H{"code": status, "error": err.Error()})
}

func bindArea(c *gin.Context) (AreaRequest, tile_proxy.Bounds, bool) {
	var req AreaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": err.Error()})
		return req, tile_proxy.Bounds{}, false
	}
	bounds, err := req.resolveBounds()
	if err != nil {
		fail(c, err)
		return req, bounds, false
	}
	return req, bounds, true
}

// EstimateTileCount 预估底图瓦片数
func (oc *OfflineController) EstimateTileCount(c *gin.Context) {
	req, bounds, ok := bindArea(c)
	if !ok {
		return
	}
	count, err := oc.manager.EstimateTileCount(bounds, req.MinZoom, req.MaxZoom)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"data": gin.H{"count": count, "bounds": bounds},
	})
}

// CreateArea 创建下载
func (oc *OfflineController) CreateArea(c *gin.Context) {
	req, bounds, ok := bindArea(c)
	if !ok {
		return
	}
	area, err := oc.manager.StartDownload(c.Request.Context(), bounds, req.MinZoom, req.MaxZoom, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": area})
}

func (oc *OfflineController) ListAreas(c *gin.Context) {
	areas, err := oc.manager.ListAreas(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":   200,
		"data":   areas,
		"active": oc.manager.ActiveAreaID(),
		"queued": oc.manager.QueuedAreaIDs(),
	})
}

func (oc *OfflineController) GetArea(c *gin.Context) {
	area, err := oc.manager.GetArea(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": area})
}

func (oc *OfflineController) DeleteArea(c *gin.Context) {
	if err := oc.manager.DeleteArea(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": "deleted"})
}

func (oc *OfflineController) PauseArea(c *gin.Context) {
	if err := oc.manager.PauseArea(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": "paused"})
}

func (oc *OfflineController) ResumeArea(c *gin.Context) {
	if err := oc.manager.ResumeArea(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": "resumed"})
}

func (oc *OfflineController) RetryArea(c *gin.Context) {
	if err := oc.manager.RetryArea(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": "retrying"})
}

// GetAreaTiles 区域已下载瓦片，可按类别过滤
func (oc *OfflineController) GetAreaTiles(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var (
		tiles []models.DownloadedTile
		err   error
	)
	switch t := models.TileType(strings.ToUpper(c.Query("type"))); t {
	case "":
		tiles, err = oc.manager.GetDownloadedTilesForArea(ctx, id)
	case models.TileTypeBasemap, models.TileTypeValhalla:
		tiles, err = oc.manager.GetDownloadedTilesForAreaAndType(ctx, id, t)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "type must be BASEMAP or VALHALLA"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": tiles, "total": len(tiles)})
}

// ExportArea 导出区域包
func (oc *OfflineController) ExportArea(c *gin.Context) {
	path, err := oc.exporter.ExportArea(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		fail(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

// GetTile 离线底图瓦片
func (oc *OfflineController) GetTile(c *gin.Context) {
	z, errZ := strconv.Atoi(c.Param("z"))
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(strings.TrimSuffix(c.Param("y"), ".pbf"))
	if errZ != nil || errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "invalid tile coordinates"})
		return
	}

	data, err := oc.storage.ReadBasemapTile(c.Request.Context(), z, x, y)
	if err != nil {
		if errors.Is(err, services.ErrTileNotFound) {
			c.Status(http.StatusNoContent)
			return
		}
		fail(c, err)
		return
	}
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		c.Header("Content-Encoding", "gzip")
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "application/x-protobuf", data)
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

// SearchPlaces 离线地点搜索
func (oc *OfflineController) SearchPlaces(c *gin.Context) {
	q := c.Query("q")
	if strings.TrimSpace(q) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "q is required"})
		return
	}
	places, err := oc.geocoder.SearchPlaces(c.Request.Context(), q, queryLimit(c, 20))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": places})
}

// ReverseGeocode 离线逆地理编码
func (oc *OfflineController) ReverseGeocode(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "lat and lng are required"})
		return
	}
	places, err := oc.geocoder.ReverseGeocode(c.Request.Context(), lat, lng, queryLimit(c, 5))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": places})
}
