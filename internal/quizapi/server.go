package quizapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizforge/quizforge/internal/auth"
	"github.com/quizforge/quizforge/internal/checkout"
	"github.com/quizforge/quizforge/internal/llm"
	"github.com/quizforge/quizforge/internal/quizgen"
	"github.com/quizforge/quizforge/pkg/credits"
)

const (
	claimsContextKey = "auth_claims"
	healthPath       = "/healthz"
	webhookPath      = "/api/stripe/webhook"
	maxWebhookBytes  = 1 << 20
)

// Dependencies carries the wired services the HTTP facade exposes.
type Dependencies struct {
	Logger          *zap.Logger
	Credits         *credits.Service
	QuizGenerator   *quizgen.Service
	Checkout        checkout.SessionGateway
	WebhookVerifier *checkout.WebhookVerifier
}

// Run boots the HTTP facade using the supplied configuration and services.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Logger == nil || deps.Credits == nil || deps.QuizGenerator == nil {
		return fmt.Errorf("quizapi: logger, credits, and quiz generator are required")
	}

	validator, err := auth.New(auth.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler, err := newHTTPHandler(cfg, deps)
	if err != nil {
		return err
	}
	router := setupRouter(cfg, handler, validator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("quizapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *auth.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET(healthPath, func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Webhook deliveries authenticate by signature, not by session.
	router.POST(webhookPath, handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/quiz", handler.handleQuiz)
	api.POST("/checkout/session", handler.handleCheckoutSession)
	api.POST("/checkout/settle", handler.handleCheckoutSettle)

	return router
}

type httpHandler struct {
	logger          *zap.Logger
	creditsService  *credits.Service
	quizGenerator   *quizgen.Service
	checkoutGateway checkout.SessionGateway
	webhookVerifier *checkout.WebhookVerifier
	cfg             Config
	packageAmount   credits.PositiveCreditAmount
	bootstrapAmount credits.PositiveCreditAmount
}

func newHTTPHandler(cfg Config, deps Dependencies) (*httpHandler, error) {
	packageAmount, err := credits.NewPositiveCreditAmount(SettlementPackageCredits())
	if err != nil {
		return nil, err
	}
	bootstrapAmount, err := credits.NewPositiveCreditAmount(BootstrapCredits())
	if err != nil {
		return nil, err
	}
	return &httpHandler{
		logger:          deps.Logger,
		creditsService:  deps.Credits,
		quizGenerator:   deps.QuizGenerator,
		checkoutGateway: deps.Checkout,
		webhookVerifier: deps.WebhookVerifier,
		cfg:             cfg,
		packageAmount:   packageAmount,
		bootstrapAmount: bootstrapAmount,
	}, nil
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	expires := int64(0)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Unix()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"expires": expires,
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	identity, err := credits.NewIdentity(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return
	}
	if err := handler.bootstrapAccount(ctx.Request.Context(), identity); err != nil {
		handler.logger.Error("bootstrap grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "bootstrap failed"))
		return
	}
	handler.respondWithWallet(ctx, identity)
}

// bootstrapAccount grants the starter package exactly once per identity by
// settling a synthetic session keyed on the identity itself.
func (handler *httpHandler) bootstrapAccount(ctx context.Context, identity credits.Identity) error {
	sessionID, err := credits.NewSessionID("bootstrap:" + identity.String())
	if err != nil {
		return err
	}
	metadata, err := credits.NewMetadataJSON(`{"action":"bootstrap"}`)
	if err != nil {
		return err
	}
	_, err = handler.creditsService.Settle(ctx, identity, sessionID, handler.bootstrapAmount, metadata)
	return err
}

func (handler *httpHandler) handleQuiz(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	identity, err := credits.NewIdentity(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return
	}

	fileHeader, err := ctx.FormFile("document")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected multipart document upload"))
		return
	}
	if fileHeader.Size > quizgen.MaxDocumentBytes {
		ctx.JSON(http.StatusBadRequest, errorResponse("document_too_large", "document exceeds 20 MiB"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "document unreadable"))
		return
	}
	defer file.Close()
	document, err := io.ReadAll(file)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "document unreadable"))
		return
	}

	questionCount := 0
	if rawCount := ctx.PostForm("questionCount"); rawCount != "" {
		parsed, parseErr := strconv.Atoi(rawCount)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "questionCount must be an integer"))
			return
		}
		questionCount = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GenerationTimeout)
	defer cancel()

	result, err := handler.quizGenerator.Generate(requestCtx, identity, document, questionCount)
	if err != nil {
		handler.respondQuizError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"quiz":             result.Questions,
		"creditsRemaining": result.CreditsRemaining.Int64(),
	})
}

func (handler *httpHandler) respondQuizError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, quizgen.ErrEmptyDocument):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_document", "document is empty"))
	case errors.Is(err, quizgen.ErrDocumentTooLarge):
		ctx.JSON(http.StatusBadRequest, errorResponse("document_too_large", "document exceeds 20 MiB"))
	case errors.Is(err, quizgen.ErrNotPDF):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_document", "document is not a PDF"))
	case errors.Is(err, credits.ErrInsufficientCredits):
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_credits", "not enough credits"))
	case errors.Is(err, quizgen.ErrMalformedResponse):
		handler.logger.Error("quiz parse failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("generation_failed", "quiz generation failed"))
	default:
		var unavailable *llm.ErrProviderUnavailable
		if errors.As(err, &unavailable) {
			handler.logger.Error("provider unavailable", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("generation_failed", "quiz generation failed"))
			return
		}
		handler.logger.Error("quiz generation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "quiz generation failed"))
	}
}

func (handler *httpHandler) handleCheckoutSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if handler.checkoutGateway == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("checkout_disabled", "checkout is not configured"))
		return
	}
	var request checkoutSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	priceReference := request.PriceReference
	if priceReference == "" {
		priceReference = handler.cfg.StripePriceID
	}
	if priceReference == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", "price reference is required"))
		return
	}

	session, err := handler.checkoutGateway.CreateSession(ctx.Request.Context(), checkout.SessionParams{
		Identity:       claims.GetUserID(),
		BuyerEmail:     claims.GetUserEmail(),
		PriceReference: priceReference,
	})
	if err != nil {
		handler.logger.Error("checkout session failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "checkout session failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"sessionId":   session.SessionID,
		"redirectUrl": session.RedirectURL,
	})
}

func (handler *httpHandler) handleCheckoutSettle(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	identity, err := credits.NewIdentity(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return
	}
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	sessionID, err := credits.NewSessionID(request.SessionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session", "sessionId is required"))
		return
	}
	handler.settleSession(ctx, identity, sessionID, "redirect")
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	if handler.webhookVerifier == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("checkout_disabled", "webhook is not configured"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "body unreadable"))
		return
	}
	completed, ok, err := handler.webhookVerifier.DecodeCompletedSession(payload, ctx.GetHeader("Stripe-Signature"))
	if err != nil {
		handler.logger.Warn("webhook verification failed", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	if !ok {
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	identity, err := credits.NewIdentity(completed.Identity)
	if err != nil {
		// A session without a client reference cannot be attributed; retrying
		// the delivery will not help.
		handler.logger.Error("webhook session missing identity", zap.String("session_id", completed.SessionID))
		ctx.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	sessionID, err := credits.NewSessionID(completed.SessionID)
	if err != nil {
		handler.logger.Error("webhook session missing id", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	handler.settleSession(ctx, identity, sessionID, "webhook")
}

func (handler *httpHandler) settleSession(ctx *gin.Context, identity credits.Identity, sessionID credits.SessionID, source string) {
	metadata, err := credits.NewMetadataJSON(fmt.Sprintf(`{"action":"purchase","source":%q}`, source))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "settlement failed"))
		return
	}
	outcome, err := handler.creditsService.Settle(ctx.Request.Context(), identity, sessionID, handler.packageAmount, metadata)
	if err != nil {
		handler.logger.Error("settlement failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "settlement failed"))
		return
	}
	response := gin.H{"settled": outcome.Settled}
	if outcome.Reason != "" {
		response["reason"] = outcome.Reason
	}
	if outcome.Settled {
		response["balance"] = outcome.Balance.Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, identity credits.Identity) {
	balance, err := handler.creditsService.Balance(ctx.Request.Context(), identity)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	records, err := handler.creditsService.ListSettlements(ctx.Request.Context(), identity, HistoryLimit())
	if err != nil {
		handler.logger.Error("settlement list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	settlements := make([]settlementPayload, 0, len(records))
	for _, record := range records {
		settlements = append(settlements, settlementPayload{
			SessionID:      record.SessionID.String(),
			Metadata:       record.MetadataJSON.String(),
			SettledUnixUTC: record.SettledAtUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":     balance.Int64(),
		"settlements": settlements,
	})
}

func getClaims(ctx *gin.Context) *auth.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*auth.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type checkoutSessionRequest struct {
	PriceReference string `json:"priceReference"`
}

type settleRequest struct {
	SessionID string `json:"sessionId"`
}

type settlementPayload struct {
	SessionID      string `json:"session_id"`
	Metadata       string `json:"metadata"`
	SettledUnixUTC int64  `json:"settled_unix_utc"`
}
