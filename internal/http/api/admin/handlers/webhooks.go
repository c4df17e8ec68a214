package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
	log "github.com/sirupsen/logrus"
)

// WebhookHandler manages subscribers and their deliveries.
type WebhookHandler struct {
	dispatcher *webhook.Dispatcher // Dispatcher owning subscribers and delivery records.
}

// NewWebhookHandler constructs a webhook handler.
func NewWebhookHandler(dispatcher *webhook.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher}
}

// subscriberWithSecret is returned when a signing secret is issued. The secret
// is shown only in this response.
type subscriberWithSecret struct {
	Subscriber webhook.SubscriberView `json:"subscriber"`
	Secret     string                 `json:"secret"`
}

// Create registers a subscriber. Omitted fields take their defaults.
func (h *WebhookHandler) Create(c *gin.Context) {
	sub := webhook.DefaultSubscriber()
	if errBind := c.ShouldBindJSON(&sub); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if owner := strings.TrimSpace(sub.Owner); owner == "" {
		sub.Owner = c.GetString(ContextAdminSubject)
	}

	created, errCreate := h.dispatcher.CreateSubscriber(c.Request.Context(), sub)
	if errCreate != nil {
		writeWebhookError(c, errCreate)
		return
	}
	log.WithFields(log.Fields{"subscriber": created.ID, "admin": c.GetString(ContextAdminSubject)}).Info("webhook: subscriber created")
	c.JSON(http.StatusCreated, subscriberWithSecret{
		Subscriber: webhook.NewSubscriberView(created),
		Secret:     created.Secret,
	})
}

// List returns subscribers matching the query filters.
func (h *WebhookHandler) List(c *gin.Context) {
	filter := webhook.SubscriberFilter{
		Owner:       strings.TrimSpace(c.Query("owner")),
		Type:        webhook.SubscriberType(strings.TrimSpace(c.Query("type"))),
		Status:      webhook.SubscriberStatus(strings.TrimSpace(c.Query("status"))),
		Event:       strings.TrimSpace(c.Query("event")),
		Environment: webhook.Environment(strings.TrimSpace(c.Query("environment"))),
	}
	limit, offset, ok := parsePaging(c)
	if !ok {
		return
	}
	filter.Limit, filter.Offset = limit, offset

	subs, errList := h.dispatcher.ListSubscribers(c.Request.Context(), filter)
	if errList != nil {
		writeWebhookError(c, errList)
		return
	}
	views := make([]webhook.SubscriberView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, webhook.NewSubscriberView(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": views})
}

// Get returns one subscriber.
func (h *WebhookHandler) Get(c *gin.Context) {
	sub, errGet := h.dispatcher.GetSubscriber(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		writeWebhookError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, webhook.NewSubscriberView(sub))
}

// Update applies the request body on top of the stored subscriber, so
// omitted fields keep their values.
func (h *WebhookHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	cur, errGet := h.dispatcher.GetSubscriber(ctx, id)
	if errGet != nil {
		writeWebhookError(c, errGet)
		return
	}
	if cur.Status == webhook.SubscriberDeleted {
		writeWebhookError(c, webhook.ErrSubscriberNotFound)
		return
	}
	next := *cur.Clone()
	if errBind := c.ShouldBindJSON(&next); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updated, errUpdate := h.dispatcher.UpdateSubscriber(ctx, id, next)
	if errUpdate != nil {
		writeWebhookError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, webhook.NewSubscriberView(updated))
}

// Delete soft-deletes a subscriber.
func (h *WebhookHandler) Delete(c *gin.Context) {
	if errDelete := h.dispatcher.DeleteSubscriber(c.Request.Context(), c.Param("id")); errDelete != nil {
		writeWebhookError(c, errDelete)
		return
	}
	log.WithFields(log.Fields{"subscriber": c.Param("id"), "admin": c.GetString(ContextAdminSubject)}).Info("webhook: subscriber deleted")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Suspend stops deliveries to a subscriber.
func (h *WebhookHandler) Suspend(c *gin.Context) {
	h.setStatus(c, webhook.SubscriberSuspended)
}

// Activate resumes deliveries to a subscriber.
func (h *WebhookHandler) Activate(c *gin.Context) {
	h.setStatus(c, webhook.SubscriberActive)
}

func (h *WebhookHandler) setStatus(c *gin.Context, status webhook.SubscriberStatus) {
	sub, errStatus := h.dispatcher.SetStatus(c.Request.Context(), c.Param("id"), status)
	if errStatus != nil {
		writeWebhookError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, webhook.NewSubscriberView(sub))
}

// RotateSecret issues a new signing secret.
func (h *WebhookHandler) RotateSecret(c *gin.Context) {
	sub, errRotate := h.dispatcher.RotateSecret(c.Request.Context(), c.Param("id"))
	if errRotate != nil {
		writeWebhookError(c, errRotate)
		return
	}
	log.WithFields(log.Fields{"subscriber": sub.ID, "admin": c.GetString(ContextAdminSubject)}).Info("webhook: secret rotated")
	c.JSON(http.StatusOK, subscriberWithSecret{
		Subscriber: webhook.NewSubscriberView(sub),
		Secret:     sub.Secret,
	})
}

// Flush delivers the subscriber's batch queue now.
func (h *WebhookHandler) Flush(c *gin.Context) {
	flushed, errFlush := h.dispatcher.Flush(c.Request.Context(), c.Param("id"))
	if errFlush != nil {
		writeWebhookError(c, errFlush)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": flushed})
}

// triggerRequest captures an event to deliver.
type triggerRequest struct {
	Event     string          `json:"event"`      // Event type the subscriber must have enabled.
	Payload   json.RawMessage `json:"payload"`    // JSON object delivered as the envelope payload.
	RequestID string          `json:"request_id"` // Optional correlation id.
}

// Trigger delivers one event to the subscriber.
func (h *WebhookHandler) Trigger(c *gin.Context) {
	var body triggerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	event := strings.TrimSpace(body.Event)
	if event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
		return
	}
	var payload map[string]any
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		dec := json.NewDecoder(bytes.NewReader(body.Payload))
		dec.UseNumber()
		if errPayload := dec.Decode(&payload); errPayload != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be a json object"})
			return
		}
	}

	meta := webhook.RequestMetadata{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: strings.TrimSpace(body.RequestID),
	}
	outcome, errTrigger := h.dispatcher.Trigger(c.Request.Context(), c.Param("id"), event, payload, meta)
	if errTrigger != nil {
		writeWebhookError(c, errTrigger)
		return
	}
	status := http.StatusOK
	if outcome.Status == webhook.OutcomeStatusQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

// Deliveries lists delivery records for the subscriber.
func (h *WebhookHandler) Deliveries(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, errGet := h.dispatcher.GetSubscriber(ctx, id); errGet != nil {
		writeWebhookError(c, errGet)
		return
	}
	filter := webhook.DeliveryFilter{
		SubscriberID: id,
		Event:        strings.TrimSpace(c.Query("event")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				filter.Statuses = append(filter.Statuses, webhook.DeliveryStatus(status))
			}
		}
	}
	limit, offset, ok := parsePaging(c)
	if !ok {
		return
	}
	filter.Limit, filter.Offset = limit, offset

	records, errList := h.dispatcher.Deliveries(ctx, filter)
	if errList != nil {
		writeWebhookError(c, errList)
		return
	}
	views := make([]webhook.DeliveryRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, webhook.NewDeliveryView(record))
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": views})
}

// Delivery returns one delivery record.
func (h *WebhookHandler) Delivery(c *gin.Context) {
	record, errGet := h.dispatcher.Delivery(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		writeWebhookError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, webhook.NewDeliveryView(record))
}

func writeWebhookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, webhook.ErrSubscriberNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscriber not found"})
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "delivery not found"})
	case errors.Is(err, webhook.ErrInvalidSubscriber):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, webhook.ErrEventNotEnabled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, webhook.ErrSubscriberInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("webhook: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
