package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flybeeper/geoquery/internal/analytics/mysql"
	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/query"
)

type point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type createQueryRequest struct {
	Center   point   `json:"center"`
	RadiusKm float64 `json:"radiusKm"`
}

type createQueryResponse struct {
	ID string `json:"id"`
}

type updateQueryRequest struct {
	Center   *point   `json:"center,omitempty"`
	RadiusKm *float64 `json:"radiusKm,omitempty"`
}

// createQuery handles POST /queries.
func (s *Server) createQuery(c *gin.Context) {
	var req createQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	center := geomath.Location{Lat: req.Center.Lat, Lon: req.Center.Lon}
	radius := req.RadiusKm
	criteria := query.Criteria{Center: &center, RadiusKm: &radius}

	// The query outlives this request; only DELETE or shutdown cancels it.
	q, err := query.New(context.WithoutCancel(c.Request.Context()), s.store, criteria, s.queryCfg, s.logger)
	if err != nil {
		writeQueryError(c, err)
		return
	}

	id := uuid.NewString()
	s.registry.add(id, q)
	s.recordAnalytics(id, q)

	s.logger.WithField("query_id", id).Info("created live query")
	c.JSON(http.StatusCreated, createQueryResponse{ID: id})
}

// recordAnalytics registers listeners that tally q's membership transitions
// into the MySQL analytics sink, independent of whether any websocket client
// ever attaches to this query. A no-op when the sink is disabled.
func (s *Server) recordAnalytics(queryID string, q *query.Query) {
	if s.analytics == nil {
		return
	}
	record := func(et query.EventType) {
		_, err := q.On(et, func(ev query.MembershipEvent) {
			var dist float64
			if ev.DistanceKm != nil {
				dist = *ev.DistanceKm
			}
			s.analytics.Record(mysql.Event{
				QueryID:    queryID,
				Key:        ev.Key,
				EventType:  string(et),
				DistanceKm: dist,
				At:         time.Now(),
			})
		})
		if err != nil {
			s.logger.WithError(err).Error("failed to register analytics listener")
		}
	}
	record(query.EventEntered)
	record(query.EventExited)
	record(query.EventMoved)
}

// updateQuery handles PATCH /queries/:id.
func (s *Server) updateQuery(c *gin.Context) {
	q, ok := s.registry.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}

	var req updateQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	criteria := query.Criteria{RadiusKm: req.RadiusKm}
	if req.Center != nil {
		criteria.Center = &geomath.Location{Lat: req.Center.Lat, Lon: req.Center.Lon}
	}

	if err := q.UpdateCriteria(context.WithoutCancel(c.Request.Context()), criteria); err != nil {
		writeQueryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// cancelQuery handles DELETE /queries/:id.
func (s *Server) cancelQuery(c *gin.Context) {
	id := c.Param("id")
	q, ok := s.registry.get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}
	q.Cancel()
	s.registry.remove(id)
	c.Status(http.StatusNoContent)
}

func writeQueryError(c *gin.Context, err error) {
	var verr *query.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
