package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mailsched/internal/observability"
	"mailsched/internal/store"
	"mailsched/internal/util"
)

type WebhookStore interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

// Webhook receives SES delivery events published through an SNS topic.
type Webhook struct {
	Store WebhookStore
	// Token must match the "token" query parameter of the subscription URL.
	Token string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/ses", w.handleSES).Methods(http.MethodPost)
}

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string              `json:"messageId"`
		Timestamp string              `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
	} `json:"bounce"`
	Complaint *struct {
		FeedbackType string `json:"complaintFeedbackType"`
	} `json:"complaint"`
}

func (e sesEvent) kind() string {
	k := e.EventType
	if k == "" {
		k = e.NotificationType
	}
	return strings.ToLower(k)
}

func (e sesEvent) detail() string {
	switch {
	case e.Bounce != nil:
		return strings.TrimSpace(e.Bounce.BounceType + " " + e.Bounce.BounceSubType)
	case e.Complaint != nil:
		return e.Complaint.FeedbackType
	}
	return ""
}

func (w *Webhook) handleSES(rw http.ResponseWriter, r *http.Request) {
	provided := r.URL.Query().Get("token")
	if w.Token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(w.Token)) != 1 {
		writeErrorMsg(rw, r, http.StatusUnauthorized, ErrUnauthorized, "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<10))
	if err != nil {
		writeErrorMsg(rw, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeErrorMsg(rw, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		// confirmation is done by an operator visiting SubscribeURL
		slog.Warn("sns subscription message", "type", env.Type, "topic_arn", env.TopicArn, "subscribe_url", env.SubscribeURL)
		rw.WriteHeader(http.StatusOK)
		return
	case "Notification":
	default:
		writeErrorMsg(rw, r, http.StatusBadRequest, ErrInvalidJSON, "unknown message type "+env.Type)
		return
	}

	var ev sesEvent
	if err := json.Unmarshal([]byte(env.Message), &ev); err != nil || ev.kind() == "" {
		writeErrorMsg(rw, r, http.StatusBadRequest, ErrInvalidJSON, "message is not an ses event")
		return
	}

	in := store.DeliveryEvent{
		Provider:          "ses",
		ProviderMessageID: ev.Mail.MessageID,
		EventType:         ev.kind(),
		Detail:            ev.detail(),
		Payload:           []byte(env.Message),
		ReceivedAt:        util.NowUTC(),
	}
	if ids := ev.Mail.Tags["dispatch_id"]; len(ids) > 0 {
		in.DispatchID = ids[0]
	}
	if ts, err := time.Parse(time.RFC3339, ev.Mail.Timestamp); err == nil {
		in.OccurredAt = &ts
	}

	observability.WebhookEvents.WithLabelValues("ses", in.EventType).Inc()

	if err := w.Store.InsertDeliveryEvent(r.Context(), in); err != nil {
		slog.Error("webhook insert delivery event failed", "err", err, "message_id", in.ProviderMessageID, "event", in.EventType)
		writeErrorMsg(rw, r, http.StatusInternalServerError, ErrDependency, "")
		return
	}
	rw.WriteHeader(http.StatusOK)
}
