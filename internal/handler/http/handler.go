package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	_ "github.com/selimgur/whatsflow/docs"
	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
	"github.com/selimgur/whatsflow/internal/realtime"
	failedRepo "github.com/selimgur/whatsflow/internal/repository/failedmessage"
	messageRepo "github.com/selimgur/whatsflow/internal/repository/message"
	"github.com/selimgur/whatsflow/internal/service"
)

// WebhookProcessor consumes a decoded webhook payload.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload provider.WebhookPayload)
}

// Sender enqueues outbound messages.
type Sender interface {
	Send(ctx context.Context, req service.SendRequest) error
}

// FailureRetrier re-enqueues a stored failed message.
type FailureRetrier interface {
	RetryFailed(ctx context.Context, id int) error
}

// MediaFetcher resolves and downloads provider-hosted media. Media URLs
// are short-lived and token-gated, so operator UIs fetch through us.
type MediaFetcher interface {
	ResolveMediaURL(ctx context.Context, mediaID string) (string, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

type Handler struct {
	normalizer  WebhookProcessor
	dispatcher  Sender
	failures    FailureRetrier
	media       MediaFetcher
	messages    messageRepo.Repository
	failedMsgs  failedRepo.Repository
	hub         *realtime.Hub
	secret      string
	verifyToken string
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	server      *http.Server
}

// @title Whatsflow API
// @version 1.0
// @description Messaging pipeline service: provider webhooks, outbound sends and operator realtime feed
// @BasePath /
func NewHttpHandler(
	addr string,
	normalizer WebhookProcessor,
	dispatcher Sender,
	failures FailureRetrier,
	media MediaFetcher,
	messages messageRepo.Repository,
	failedMsgs failedRepo.Repository,
	hub *realtime.Hub,
	secret string,
	verifyToken string,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		normalizer:  normalizer,
		dispatcher:  dispatcher,
		failures:    failures,
		media:       media,
		messages:    messages,
		failedMsgs:  failedMsgs,
		hub:         hub,
		secret:      secret,
		verifyToken: verifyToken,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	// create router
	router := gin.Default()

	// register routes
	router.GET("/webhook", h.verifyWebhook)
	router.POST("/webhook", h.receiveWebhook)
	router.POST("/messages", h.sendMessage)
	router.GET("/conversations/:id/messages", h.getConversationMessages)
	router.GET("/media/:id", h.getMedia)
	router.GET("/failed-messages", h.listFailedMessages)
	router.POST("/failed-messages/:id/retry", h.retryFailedMessage)
	router.GET("/ws", h.serveWs)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// create http server
	h.server = &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	return h
}

func (h *Handler) Run() error {
	return h.server.ListenAndServe()
}

func (h *Handler) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// VerifyWebhook godoc
// @Summary Provider webhook verification handshake
// @Description Echoes hub.challenge when hub.verify_token matches the configured value
// @Tags Webhook
// @Param hub.mode query string true "subscribe"
// @Param hub.verify_token query string true "verification token"
// @Param hub.challenge query string true "challenge to echo"
// @Success 200 {string} string
// @Failure 403
// @Router /webhook [get]
func (h *Handler) verifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	h.logger.Warn("webhook verification rejected", slog.String("mode", mode))
	c.Status(http.StatusForbidden)
}

// ReceiveWebhook godoc
// @Summary Provider webhook receiver
// @Description Verifies the HMAC signature and processes message and status entries
// @Tags Webhook
// @Accept json
// @Success 200
// @Failure 400
// @Failure 401
// @Router /webhook [post]
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", slog.String("error", err.Error()))
		c.Status(http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, c.GetHeader("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature verification failed")
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload provider.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("unparseable webhook payload", slog.String("error", err.Error()))
		c.Status(http.StatusBadRequest)
		return
	}

	// entry-level failures are logged and swallowed inside; the provider
	// must get a 200 or it starts a retry storm
	h.normalizer.HandleWebhook(c.Request.Context(), payload)
	c.Status(http.StatusOK)
}

func (h *Handler) validSignature(body []byte, header string) bool {
	if h.secret == "" {
		return false
	}
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SendMessage godoc
// @Summary Enqueue an outbound message
// @Description Validates the request and enqueues it; delivery is asynchronous
// @Tags Messages
// @Accept json
// @Param request body service.SendRequest true "send request"
// @Success 202
// @Failure 400
// @Router /messages [post]
func (h *Handler) sendMessage(c *gin.Context) {
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.dispatcher.Send(c.Request.Context(), req); err != nil {
		var validationErr *service.ValidationError
		var missingVar *service.MissingVariableError
		if errors.As(err, &validationErr) || errors.As(err, &missingVar) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to enqueue message", slog.String("error", err.Error()))
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// GetConversationMessages godoc
// @Summary List messages of a conversation
// @Tags Messages
// @Param id path int true "conversation id"
// @Param limit query int false "page size" default(50)
// @Param offset query int false "page offset" default(0)
// @Success 200 {array} domain.Message
// @Router /conversations/{id}/messages [get]
func (h *Handler) getConversationMessages(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	msgs, err := h.messages.ListByConversation(c.Request.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversation messages",
			slog.Int("conversationId", id), slog.String("error", err.Error()))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// GetMedia godoc
// @Summary Download provider-hosted media
// @Description Resolves the media id and proxies the download through the service token
// @Tags Messages
// @Param id path string true "provider media id"
// @Success 200 {file} binary
// @Failure 502
// @Router /media/{id} [get]
func (h *Handler) getMedia(c *gin.Context) {
	mediaID := c.Param("id")

	url, err := h.media.ResolveMediaURL(c.Request.Context(), mediaID)
	if err != nil {
		h.logger.Error("failed to resolve media url",
			slog.String("mediaId", mediaID), slog.String("error", err.Error()))
		c.Status(http.StatusBadGateway)
		return
	}
	data, err := h.media.DownloadMedia(c.Request.Context(), url)
	if err != nil {
		h.logger.Error("failed to download media",
			slog.String("mediaId", mediaID), slog.String("error", err.Error()))
		c.Status(http.StatusBadGateway)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// ListFailedMessages godoc
// @Summary List failed message records
// @Tags Failures
// @Param status query string false "pending_retry|failed|resolved"
// @Success 200 {array} domain.FailedMessage
// @Router /failed-messages [get]
func (h *Handler) listFailedMessages(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	status := domain.FailedMessageStatus(c.Query("status"))

	records, err := h.failedMsgs.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list failed messages", slog.String("error", err.Error()))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, records)
}

// RetryFailedMessage godoc
// @Summary Re-enqueue a failed message
// @Tags Failures
// @Param id path int true "failed message id"
// @Success 202
// @Failure 404
// @Router /failed-messages/{id}/retry [post]
func (h *Handler) retryFailedMessage(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid failed message id"})
		return
	}

	if err := h.failures.RetryFailed(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		h.logger.Error("failed to retry message", slog.Int("id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ServeWs godoc
// @Summary Operator realtime feed
// @Description Upgrades to a websocket carrying message.new, message.status and alert events
// @Tags Realtime
// @Param operator_id query string true "operator id"
// @Router /ws [get]
func (h *Handler) serveWs(c *gin.Context) {
	operatorID := c.Query("operator_id")
	if operatorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := h.hub.Register(conn, operatorID)
	go client.WritePump()
	go client.ReadPump()
}

func intQuery(c *gin.Context, name string, fallback int) int {
	val, err := strconv.Atoi(c.Query(name))
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
