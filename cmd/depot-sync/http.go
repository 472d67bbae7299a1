package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/ledger"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/netmon"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/queue"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/remote"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/worker"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type restAPI struct {
	store        store.Store
	queue        *queue.Queue
	ledger       *ledger.Ledger
	monitor      *netmon.Monitor
	orchestrator *worker.Worker
	conn         *remote.Connection
}

// SetupRestAPI initializes the REST API the POS frontend talks to and starts
// listening in the background.
func SetupRestAPI(s store.Store, q *queue.Queue, l *ledger.Ledger, m *netmon.Monitor, w *worker.Worker, conn *remote.Connection) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.Use(gzip.Gzip(gzip.DefaultCompression))

	api := &restAPI{store: s, queue: q, ledger: l, monitor: m, orchestrator: w, conn: conn}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/mutations", api.postMutationHandler)
		v1.GET("/queue/stats", api.getQueueStatsHandler)
		v1.GET("/queue/failed", api.getQueueFailedHandler)
		v1.POST("/sync", api.postSyncHandler)
		v1.POST("/sync/refresh", api.postRefreshHandler)
		v1.GET("/entities/:entity", api.getEntitiesHandler)
		v1.GET("/network", api.getNetworkHandler)
		v1.DELETE("/ledger", api.deleteLedgerHandler)
	}

	apiPort, err := env.GetAsInt("API_PORT", false, 8080)
	if err != nil {
		zap.S().Fatalf("Failed to get API_PORT from env: %s", err)
	}
	go func() {
		err := router.Run(fmt.Sprintf(":%d", apiPort))
		if err != nil {
			zap.S().Fatalf("Error starting REST API: %s", err)
		}
	}()
}

type mutationRequest struct {
	EntityType string          `json:"entity_type" binding:"required"`
	Action     string          `json:"action" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

// postMutationHandler is the offline-first write path: the local cache is
// updated right away and the mutation is queued for the central database.
func (a *restAPI) postMutationHandler(c *gin.Context) {
	var req mutationRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	localID, applied := a.applyLocally(c, &req)
	if !applied {
		// The in-memory path already answered with an error
		return
	}

	rec, err := a.queue.Enqueue(c.Request.Context(), req.EntityType, req.Action, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		// Known fingerprint, already synced in an earlier session
		c.JSON(http.StatusOK, gin.H{"local_id": localID, "deduplicated": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"local_id": localID, "mutation": rec})
}

// applyLocally mirrors the mutation into the local cache so the frontend
// sees its own write immediately, online or not.
func (a *restAPI) applyLocally(c *gin.Context, req *mutationRequest) (int64, bool) {
	ctx := c.Request.Context()
	switch req.Action {
	case datamodel.ActionCreate:
		id, ok := a.store.Insert(ctx, req.EntityType, req.Payload)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("could not store %s locally", req.EntityType)})
			return 0, false
		}
		return id, true
	case datamodel.ActionUpdate:
		id, ok := payloadID(req.Payload)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "update payload needs an id"})
			return 0, false
		}
		if !a.store.Update(ctx, req.EntityType, id, req.Payload) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no local %s with id %d", req.EntityType, id)})
			return 0, false
		}
		return id, true
	case datamodel.ActionDelete:
		id, ok := payloadID(req.Payload)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "delete payload needs an id"})
			return 0, false
		}
		recs := a.store.Get(ctx, req.EntityType)
		kept := make([]datamodel.CachedRecord, 0, len(recs))
		for _, rec := range recs {
			if rec.ID != id {
				kept = append(kept, rec)
			}
		}
		a.store.Put(ctx, req.EntityType, kept)
		return id, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid action %q", req.Action)})
	return 0, false
}

func payloadID(payload json.RawMessage) (int64, bool) {
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.ID == 0 {
		return 0, false
	}
	return probe.ID, true
}

func (a *restAPI) getQueueStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.queue.Stats(c.Request.Context()))
}

func (a *restAPI) getQueueFailedHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"failed": a.queue.ListFailed(c.Request.Context())})
}

// postSyncHandler triggers a drain pass and reports the outcome.
func (a *restAPI) postSyncHandler(c *gin.Context) {
	if !a.monitor.IsOnline() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline, queued mutations are kept"})
		return
	}
	report := a.orchestrator.ForceSync(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (a *restAPI) postRefreshHandler(c *gin.Context) {
	if !a.monitor.IsOnline() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline, local cache stays as is"})
		return
	}
	a.orchestrator.RefreshNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

type getEntitiesRequest struct {
	Entity string `uri:"entity" binding:"required"`
}

func (a *restAPI) getEntitiesHandler(c *gin.Context) {
	var req getEntitiesRequest
	if err := c.BindUri(&req); err != nil {
		return
	}

	found := false
	for _, e := range datamodel.SyncedEntityTypes {
		if e == req.Entity {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown entity type %q", req.Entity)})
		return
	}

	ctx := c.Request.Context()
	recs := a.store.Get(ctx, req.Entity)
	c.JSON(http.StatusOK, gin.H{
		"records":     recs,
		"last_update": a.store.LastUpdate(req.Entity),
		"last_sync":   a.orchestrator.LastSync(ctx, req.Entity),
	})
}

// getNetworkHandler is the status surface for the connectivity banner.
func (a *restAPI) getNetworkHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":       a.monitor.IsOnline(),
		"storage_mode": a.store.Mode(),
		"queue":        a.queue.Stats(c.Request.Context()),
		"sync":         a.orchestrator.Metrics(),
		"remote":       a.conn.GetMetrics(),
	})
}

// deleteLedgerHandler wipes the idempotency ledger. Operator tooling only.
func (a *restAPI) deleteLedgerHandler(c *gin.Context) {
	a.ledger.Reset(c.Request.Context())
	zap.S().Warn("Idempotency ledger was reset through the API")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
