package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
	"github.com/rapee/flowmap.blue/highlight"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/pipeline"
	"github.com/rapee/flowmap.blue/runner"
)

type Server struct {
	runner *runner.DatasetRunner

	mu               sync.Mutex
	defaultDatasetID string // most recently created dataset
}

func NewServer(r *runner.DatasetRunner) *Server {
	return &Server{runner: r}
}

func (s *Server) setDefault(id string) {
	s.mu.Lock()
	s.defaultDatasetID = id
	s.mu.Unlock()
}

func (s *Server) defaultID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultDatasetID
}

// Router builds the HTTP routes. Every dataset route also answers under
// /api/dataset for the default dataset.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/datasets", s.handleList)
	api.POST("/datasets", s.handleCreate)
	api.GET("/snapshots", s.handleSnapshots)

	byID := api.Group("/datasets/:id", s.loadDataset(func(c *gin.Context) string { return c.Param("id") }))
	byDefault := api.Group("/dataset", s.loadDataset(func(*gin.Context) string { return s.defaultID() }))
	for _, g := range []*gin.RouterGroup{byID, byDefault} {
		g.DELETE("", s.handleDelete)
		g.GET("/status", s.handleStatus)
		g.PUT("/view", s.handleView)
		g.GET("/entities", s.handleEntities)
		g.GET("/flows", s.handleFlows)
		g.GET("/totals", s.handleTotals)
		g.GET("/clusters", s.handleClusters)
		g.GET("/clusters/:cluster/leaves", s.handleLeaves)
		g.GET("/clusters/:cluster/children", s.handleChildren)
		g.GET("/summary", s.handleSummary)
		g.POST("/highlight", s.handleSetHighlight)
		g.GET("/highlight", s.handleGetHighlight)
		g.POST("/snapshot", s.handleSnapshot)
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		zap.L().Debug("api: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

const datasetKey = "dataset"

func (s *Server) loadDataset(id func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID := id(c)
		if datasetID == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "No datasets available"})
			return
		}
		ds, err := s.runner.Get(datasetID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set(datasetKey, ds)
		c.Next()
	}
}

func dataset(c *gin.Context) *runner.Dataset {
	return c.MustGet(datasetKey).(*runner.Dataset)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.List())
}

func (s *Server) handleCreate(c *gin.Context) {
	var req struct {
		LocationsURL string `json:"locationsUrl" binding:"required"`
		FlowsURL     string `json:"flowsUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.FlowsURL == "" {
		req.FlowsURL = req.LocationsURL
	}

	info, err := s.runner.CreateDataset(c.Request.Context(),
		loader.ParseSource(req.LocationsURL), loader.ParseSource(req.FlowsURL))
	if err != nil {
		zap.L().Warn("api: create dataset failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.setDefault(info.ID)
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleDelete(c *gin.Context) {
	ds := dataset(c)
	if err := s.runner.Delete(ds.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	if s.defaultDatasetID == ds.ID {
		s.defaultDatasetID = ""
	}
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, dataset(c).Status())
}

func (s *Server) handleView(c *gin.Context) {
	var v runner.ViewUpdate
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	c.JSON(http.StatusOK, dataset(c).UpdateView(v))
}

// zoomParam reads the zoom query parameter. Without one, the dataset's
// clustered zoom is used.
func zoomParam(c *gin.Context, p *pipeline.Pipeline) (int, bool) {
	raw := c.Query("zoom")
	if raw == "" {
		z, _ := p.ClusteredZoom()
		return z, true
	}
	zoom, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid zoom parameter"})
		return 0, false
	}
	return zoom, true
}

func (s *Server) handleEntities(c *gin.Context) {
	dataset(c).With(func(p *pipeline.Pipeline) {
		zoom, ok := zoomParam(c, p)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, entitiesToGeoJSON(p.EntitiesAt(zoom), p.TotalsAt(zoom)))
	})
}

func (s *Server) handleFlows(c *gin.Context) {
	dataset(c).With(func(p *pipeline.Pipeline) {
		zoom, ok := zoomParam(c, p)
		if !ok {
			return
		}
		flows := p.FlowsAt(zoom)
		c.JSON(http.StatusOK, gin.H{
			"zoom":     zoom,
			"diffMode": p.IsDiffMode(),
			"total":    flow.TotalCount(flows),
			"flows":    flows,
		})
	})
}

func (s *Server) handleTotals(c *gin.Context) {
	dataset(c).With(func(p *pipeline.Pipeline) {
		zoom, ok := zoomParam(c, p)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, p.TotalsAt(zoom))
	})
}

// getBoundsFromQuery reads the viewport. Without any of north, south, east
// and west the whole world is used.
func getBoundsFromQuery(c *gin.Context) (cluster.KDBounds, error) {
	if c.Query("north") == "" && c.Query("south") == "" && c.Query("east") == "" && c.Query("west") == "" {
		return cluster.WorldBounds, nil
	}

	north, err := strconv.ParseFloat(c.Query("north"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid north parameter")
	}

	south, err := strconv.ParseFloat(c.Query("south"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid south parameter")
	}

	east, err := strconv.ParseFloat(c.Query("east"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid east parameter")
	}

	west, err := strconv.ParseFloat(c.Query("west"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid west parameter")
	}

	return cluster.KDBounds{MinX: west, MinY: south, MaxX: east, MaxY: north}, nil
}

// handleClusters returns the raw index nodes of a viewport as GeoJSON.
func (s *Server) handleClusters(c *gin.Context) {
	bounds, err := getBoundsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dataset(c).With(func(p *pipeline.Pipeline) {
		zoom, ok := zoomParam(c, p)
		if !ok {
			return
		}
		index := p.Index()
		if index == nil {
			c.JSON(http.StatusOK, entitiesToGeoJSON(nil, nil))
			return
		}
		c.JSON(http.StatusOK, index.ToGeoJSON(bounds, zoom))
	})
}

func clusterParam(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("cluster"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster id"})
		return 0, false
	}
	return uint32(id), true
}

func (s *Server) handleChildren(c *gin.Context) {
	id, ok := clusterParam(c)
	if !ok {
		return
	}
	dataset(c).With(func(p *pipeline.Pipeline) {
		index := p.Index()
		if index == nil {
			c.JSON(http.StatusOK, []cluster.ClusterNode{})
			return
		}
		children := index.GetChildren(id)
		if children == nil {
			children = []cluster.ClusterNode{}
		}
		c.JSON(http.StatusOK, children)
	})
}

func (s *Server) handleLeaves(c *gin.Context) {
	id, ok := clusterParam(c)
	if !ok {
		return
	}
	dataset(c).With(func(p *pipeline.Pipeline) {
		index := p.Index()
		if index == nil {
			c.JSON(http.StatusOK, []string{})
			return
		}
		c.JSON(http.StatusOK, index.GetLeaves(id))
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	dataset(c).With(func(p *pipeline.Pipeline) {
		zoom, ok := zoomParam(c, p)
		if !ok {
			return
		}
		index := p.Index()
		if index == nil {
			c.JSON(http.StatusOK, cluster.MetadataSummary{})
			return
		}
		c.JSON(http.StatusOK, cluster.CalculateMetadataSummary(index.GetClusters(cluster.WorldBounds, zoom)))
	})
}

type highlightRequest struct {
	highlight.Highlight
	Clear    bool `json:"clear"`
	Debounce bool `json:"debounce"`
}

func (s *Server) handleSetHighlight(c *gin.Context) {
	var req highlightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var h *highlight.Highlight
	if !req.Clear {
		h = &req.Highlight
		switch {
		case h.LocationID != "":
			h.Kind = highlight.KindLocation
		case h.Origin != "" && h.Dest != "":
			h.Kind = highlight.KindFlow
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "locationId or origin and dest required"})
			return
		}
	}

	d := dataset(c).Highlight()
	if req.Debounce {
		d.Schedule(h)
		c.JSON(http.StatusAccepted, gin.H{"pending": true})
		return
	}
	d.Set(h)
	c.JSON(http.StatusOK, gin.H{"pending": false, "highlight": h})
}

// handleGetHighlight returns the current highlight with its endpoints
// resolved to the entities visible at the clustered zoom.
func (s *Server) handleGetHighlight(c *gin.Context) {
	ds := dataset(c)
	d := ds.Highlight()
	h := d.Current()
	resp := gin.H{"pending": d.Pending(), "highlight": h}
	if h != nil {
		ds.With(func(p *pipeline.Pipeline) {
			zoom, _ := p.ClusteredZoom()
			switch h.Kind {
			case highlight.KindLocation:
				resp["entity"] = p.Resolve(zoom, h.LocationID)
			case highlight.KindFlow:
				resp["origin"] = p.Resolve(zoom, h.Origin)
				resp["dest"] = p.Resolve(zoom, h.Dest)
			}
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	path, err := s.runner.SaveSnapshot(dataset(c).ID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrEmptyIndex) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	snapshots, err := s.runner.Snapshots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snapshots == nil {
		snapshots = []runner.SnapshotInfo{}
	}
	c.JSON(http.StatusOK, snapshots)
}
