package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"mailsched/internal/queue"
)

// Tasks accepts push deliveries of dispatch tasks, for backends that call an
// HTTP endpoint instead of being polled.
type Tasks struct {
	Handler queue.Handler
	// Token must be sent as "Authorization: Bearer <token>". An empty Token
	// rejects every request.
	Token string
}

func (t *Tasks) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/tasks/dispatch", t.handleDispatch).Methods(http.MethodPost)
}

func (t *Tasks) authorized(r *http.Request) bool {
	provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && t.Token != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(t.Token)) == 1
}

func (t *Tasks) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !t.authorized(r) {
		writeErrorMsg(w, r, http.StatusUnauthorized, ErrUnauthorized, "")
		return
	}
	var task queue.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}
	if task.DispatchID == "" {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidJSON, "dispatchId is required")
		return
	}

	err := t.Handler(r.Context(), task)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"dispatchId": task.DispatchID})
		return
	}
	if after, ok := queue.AsRetry(err); ok {
		secs := int(after.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeErrorMsg(w, r, http.StatusServiceUnavailable, "retry later", err.Error())
		return
	}
	writeError(w, r, err)
}
