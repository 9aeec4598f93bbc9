package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/preserve"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/session"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "pinpoint_session_claims"
	sessionCookieName   = "pinpoint_sid"
	sessionCookieMaxAge = int(30 * 24 * time.Hour / time.Second)
)

var (
	errMissingSessions  = errors.New("session manager dependency required")
	errMissingPreserver = errors.New("preservation manager dependency required")
	errMissingPending   = errors.New("pending service dependency required")
	errMissingEntries   = errors.New("entry store dependency required")
	errMissingEngine    = errors.New("reconciliation engine dependency required")
	errMissingUsers     = errors.New("identity service dependency required")
	errMissingValidator = errors.New("session validator dependency required")
	errMissingIssuer    = errors.New("token issuer dependency required")
)

// Dependencies wires the HTTP surface to the preservation subsystem.
type Dependencies struct {
	Sessions  *session.Manager
	Preserver *preserve.Manager
	Pending   *pending.Service
	Entries   *entries.Store
	Engine    *reconcile.Engine
	Users     *users.Service
	Validator *auth.SessionValidator
	Issuer    *auth.TokenIssuer
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin handler for the entry preservation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Preserver == nil {
		return nil, errMissingPreserver
	}
	if deps.Pending == nil {
		return nil, errMissingPending
	}
	if deps.Entries == nil {
		return nil, errMissingEntries
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		preserver: deps.Preserver,
		pending:   deps.Pending,
		entries:   deps.Entries,
		engine:    deps.Engine,
		users:     deps.Users,
		validator: deps.Validator,
		issuer:    deps.Issuer,
		logger:    logger,
	}

	router.POST("/session", handler.handleSession)
	router.POST("/entries/preserve", handler.handlePreserve)
	router.GET("/entries/preserved", handler.handlePreserved)
	router.POST("/entries/token", handler.handleIssueToken)
	router.POST("/entries/associate", handler.handleAssociate)
	router.POST("/auth/exchange", handler.handleAuthExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/entries/confirm", handler.handleConfirm)
	protected.GET("/entries", handler.handleListEntries)

	return router, nil
}

type httpHandler struct {
	sessions  *session.Manager
	preserver *preserve.Manager
	pending   *pending.Service
	entries   *entries.Store
	engine    *reconcile.Engine
	users     *users.Service
	validator *auth.SessionValidator
	issuer    *auth.TokenIssuer
	logger    *zap.Logger
}

// sessionID resolves the anonymous session for the request, minting one
// when the cookie is absent, and refreshes the cookie either way.
func (h *httpHandler) sessionID(c *gin.Context) string {
	existing, _ := c.Cookie(sessionCookieName)
	identifier := h.sessions.SessionID(c.Request.Context(), existing)
	c.SetCookie(sessionCookieName, identifier, sessionCookieMaxAge, "/", "", false, true)
	return identifier
}

type sessionResponsePayload struct {
	SessionID string `json:"session_id"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, sessionResponsePayload{SessionID: h.sessionID(c)})
}

type guessPayload struct {
	ID         string  `json:"id"`
	X          float64 `json:"x" binding:"gte=0"`
	Y          float64 `json:"y" binding:"gte=0"`
	CapturedAt int64   `json:"captured_at_s"`
}

type preserveRequestPayload struct {
	CompetitionID    string         `json:"competition_id" binding:"required"`
	CompetitionTitle string         `json:"competition_title"`
	PrizeLabel       string         `json:"prize_label"`
	UnitPrice        float64        `json:"unit_price" binding:"gte=0"`
	ImageRef         string         `json:"image_ref"`
	Guesses          []guessPayload `json:"guesses" binding:"required,min=1,dive"`
}

type tierOutcomePayload struct {
	Tier     string `json:"tier"`
	Accepted bool   `json:"accepted"`
}

type preserveResponsePayload struct {
	Preserved bool                 `json:"preserved"`
	SessionID string               `json:"session_id"`
	Tiers     []tierOutcomePayload `json:"tiers"`
}

func (h *httpHandler) handlePreserve(c *gin.Context) {
	var request preserveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sessionID := h.sessionID(c)
	guessSet := entries.GuessSet{
		SessionID:        sessionID,
		CompetitionID:    request.CompetitionID,
		CompetitionTitle: request.CompetitionTitle,
		PrizeLabel:       request.PrizeLabel,
		UnitPrice:        request.UnitPrice,
		ImageRef:         request.ImageRef,
		Guesses:          make([]entries.Guess, 0, len(request.Guesses)),
	}
	for _, guess := range request.Guesses {
		capturedAt := time.Time{}
		if guess.CapturedAt > 0 {
			capturedAt = time.Unix(guess.CapturedAt, 0).UTC()
		}
		guessSet.Guesses = append(guessSet.Guesses, entries.Guess{
			ID:         guess.ID,
			X:          guess.X,
			Y:          guess.Y,
			CapturedAt: capturedAt,
		})
	}

	outcomes, err := h.preserver.Save(c.Request.Context(), guessSet)
	if err != nil && !errors.Is(err, preserve.ErrNoTierAvailable) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guess_set"})
		return
	}

	// Even an all-tiers failure is not surfaced as fatal: preservation is
	// redundant by design and the caller continues either way.
	response := preserveResponsePayload{
		Preserved: err == nil,
		SessionID: sessionID,
		Tiers:     make([]tierOutcomePayload, 0, len(outcomes)),
	}
	for _, outcome := range outcomes {
		response.Tiers = append(response.Tiers, tierOutcomePayload{Tier: outcome.Tier, Accepted: outcome.Accepted})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePreserved(c *gin.Context) {
	sessionID := h.sessionID(c)
	guessSet, err := h.preserver.Load(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("preserved lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if guessSet == nil {
		c.JSON(http.StatusOK, gin.H{"preserved": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"preserved": true, "guess_set": guessSet})
}

type tokenResponsePayload struct {
	Token *string `json:"token"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	sessionID := h.sessionID(c)
	guessSet, err := h.preserver.Load(c.Request.Context(), sessionID)
	if err != nil || guessSet == nil {
		c.JSON(http.StatusOK, tokenResponsePayload{Token: nil})
		return
	}

	token, err := h.pending.IssueToken(c.Request.Context(), *guessSet)
	if err != nil {
		// Best-effort: the local copy still exists, only the cross-device
		// recovery path is lost.
		h.logger.Warn("token issuance failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusOK, tokenResponsePayload{Token: nil})
		return
	}

	if err := h.preserver.AttachToken(c.Request.Context(), sessionID, token); err != nil {
		h.logger.Warn("token attach failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.JSON(http.StatusOK, tokenResponsePayload{Token: &token})
}

type associateRequestPayload struct {
	Email string `json:"email" binding:"required,email"`
}

func (h *httpHandler) handleAssociate(c *gin.Context) {
	var request associateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sessionID := h.sessionID(c)
	err := h.preserver.Associate(c.Request.Context(), sessionID, request.Email)
	if errors.Is(err, preserve.ErrNothingPreserved) {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing_preserved"})
		return
	}
	if err != nil {
		h.logger.Error("email association failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "associate_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"associated": true})
}

type authExchangeRequestPayload struct {
	Subject string `json:"subject" binding:"required"`
	Email   string `json:"email" binding:"omitempty,email"`
}

type authExchangeResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleAuthExchange trades an identity-provider-verified subject for a
// Pinpoint session JWT. The identity provider itself sits upstream of this
// service; by the time a request reaches this endpoint its subject has
// already been verified.
func (h *httpHandler) handleAuthExchange(c *gin.Context) {
	var request authExchangeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.issuer.IssueSessionToken(c.Request.Context(), request.Subject, request.Email)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetCookie(h.validator.CookieName(), token, int(expiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, authExchangeResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type confirmResponsePayload struct {
	Source   string `json:"source"`
	Migrated int    `json:"migrated"`
	Skipped  int    `json:"skipped"`
}

// handleConfirm is the confirmation-link landing handler: the emailed link
// carries the submission token as a query parameter, and the session cookie
// carries the anonymous session for the local fallback path.
func (h *httpHandler) handleConfirm(c *gin.Context) {
	claims, ok := h.requestClaims(c)
	if !ok {
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	anonymousSession, _ := c.Cookie(sessionCookieName)
	result, err := h.engine.Migrate(c.Request.Context(), reconcile.MigrationRequest{
		UserID:    userID,
		Token:     strings.TrimSpace(c.Query("token")),
		SessionID: anonymousSession,
	})
	if err != nil {
		h.logger.Error("migration failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration_failed"})
		return
	}

	c.JSON(http.StatusOK, confirmResponsePayload{
		Source:   string(result.Source),
		Migrated: result.Migrated,
		Skipped:  result.Skipped,
	})
}

type entryPayload struct {
	EntryID        string  `json:"entry_id"`
	CompetitionID  string  `json:"competition_id"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	PricePaid      float64 `json:"price_paid"`
	SequenceNumber int     `json:"sequence_number"`
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	claims, ok := h.requestClaims(c)
	if !ok {
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	validated, err := entries.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	records, err := h.entries.ListByUser(c.Request.Context(), validated)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]entryPayload, 0, len(records))
	for _, record := range records {
		response = append(response, entryPayload{
			EntryID:        record.EntryID,
			CompetitionID:  record.CompetitionID,
			X:              record.X,
			Y:              record.Y,
			PricePaid:      record.PricePaid,
			SequenceNumber: record.SequenceNumber,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requestClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.SessionClaims{}, false
	}
	return claims, true
}
