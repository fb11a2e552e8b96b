package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/dispatch"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/federation"
	"github.com/mkeska/toxodon/util"
	"golang.org/x/time/rate"
)

var logger = log.WithPrefix("web")

const maxInboxBody = 1 * 1024 * 1024 // 1MB

// Server bundles the handler dependencies.
type Server struct {
	Store      *db.DB
	Conf       *util.AppConfig
	Dispatcher *dispatch.Dispatcher
	Verifier   *federation.TokenVerifier
	Pull       *federation.PullService
	// PublicKeyPem is served on the well-known endpoint for peers.
	PublicKeyPem string
}

// Router assembles the gin engine. Separate from Serve so tests can drive
// it with httptest.
func Router(s *Server) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit for the federation surface: 5 req/sec per IP
	fedLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxInboxBody)

	g.POST("/inbox", RateLimitMiddleware(fedLimiter), maxBodySize, s.handleInbox)
	g.GET("/federation/pull", RateLimitMiddleware(fedLimiter), s.handlePull)
	g.GET("/.well-known/toxodon-key", s.handleWellKnownKey)
	g.GET("/jobs/:id", s.handleJobStatus)

	return g
}

// Serve runs the HTTP listener until it fails.
func Serve(s *Server) error {
	logger.Info("starting http server", "host", s.Conf.Conf.Host, "port", s.Conf.Conf.HttpPort)
	return Router(s).Run(fmt.Sprintf(":%d", s.Conf.Conf.HttpPort))
}

// handleInbox accepts one signed activity from a remote server. The
// signature identifies the sending actor; the signature header hash doubles
// as the replay nonce.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	actorURI, err := federation.KeyIDOf(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed signature"})
		return
	}

	actor, err := federation.GetOrFetchActor(s.Store, actorURI)
	if err != nil {
		logger.Warn("inbox signer unresolvable", "actor", actorURI, "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown signer"})
		return
	}

	if _, err := federation.VerifyRequest(c.Request, actor.PublicKeyPem); err != nil {
		logger.Warn("inbox signature rejected", "actor", actorURI, "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	sigHash := util.Sha256Hex(c.GetHeader("Signature"))
	nonceTTL := time.Duration(s.Conf.Conf.NonceTTLSec) * time.Second
	fresh, err := s.Store.RecordNonce(sigHash, nonceTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce check failed"})
		return
	}
	if !fresh {
		logger.Warn("inbox replay rejected", "actor", actorURI, "sig", sigHash)
		c.JSON(http.StatusConflict, gin.H{"error": "replay detected", "tag": "replay"})
		return
	}

	var raw dispatch.RawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed activity JSON"})
		return
	}
	// The authenticated signer overrides whatever actor the payload claims.
	raw.ActorID = actor.ID

	res := s.Dispatcher.Dispatch(&raw)
	if res.Err != nil {
		writeTaxonomyError(c, res.Err)
		return
	}

	resp := gin.H{
		"activityId":  res.Activity.ID.String(),
		"sideEffects": res.SideEffects,
		"federate":    res.Federate,
	}
	if len(res.CreatedObjects) > 0 {
		resp["objectId"] = res.CreatedObjects[0].ID
	}
	c.JSON(http.StatusAccepted, resp)
}

// handlePull serves an incremental object page to a remote peer holding a
// valid pull token.
func (s *Server) handlePull(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	claims, err := s.Verifier.Verify(token)
	if err != nil {
		writeTaxonomyError(c, err)
		return
	}

	result, err := s.Pull.Serve(claims, c.Query("circle"))
	if err != nil {
		writeTaxonomyError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleWellKnownKey(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", []byte(s.PublicKeyPem))
}

// handleJobStatus exposes delivery job state for operators.
func (s *Server) handleJobStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.Store.ReadDeliveryJobById(id.String())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            job.ID.String(),
		"objectId":      job.ObjectID,
		"status":        job.Status,
		"attempts":      job.Attempts,
		"maxAttempts":   job.MaxAttempts,
		"nextAttemptAt": job.NextAttemptAt,
		"lastError":     job.LastError,
		"domains":       job.Domains,
		"counts":        job.Counts,
		"createdAt":     job.CreatedAt,
		"completedAt":   job.CompletedAt,
	})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// writeTaxonomyError maps a taxonomy error onto an HTTP status with its
// tag in the body.
func writeTaxonomyError(c *gin.Context, err error) {
	tag := domain.ErrorTag(err)
	status := http.StatusInternalServerError
	switch tag {
	case "validation":
		status = http.StatusBadRequest
	case "authorization":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "transient_delivery":
		status = http.StatusBadGateway
	case "replay":
		status = http.StatusConflict
	case "exhausted_retry":
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "tag", tag, "err", err)
		c.JSON(status, gin.H{"error": "internal error", "tag": tag})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "tag": tag})
}
