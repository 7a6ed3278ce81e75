package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/command"
	"github.com/onnwee/feedrelay/telemetry"
)

// maxCommandBody bounds the admin command payload.
const maxCommandBody = 16 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	relay      Relay
	dispatcher chat.Dispatcher
}

// CommandRequest is the body of POST /admin/command. Verb is a chat verb
// such as "add" or "stats"; Terms is empty for zero-argument verbs.
type CommandRequest struct {
	Verb  string   `json:"verb"`
	Terms []string `json:"terms,omitempty"`
}

// CommandResponse carries the reply the command would have posted to chat.
type CommandResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// HandleHealthz is the liveness check. The process is alive while it can serve.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once chat is monitoring and the social stream is live.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.relay.Status()
	if !h.relay.Ready() {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"chat":   st.Chat,
			"social": st.Social,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the bot status snapshot including run statistics.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, r, http.StatusOK, h.relay.Status())
}

// HandleAdminCommand runs a command through the same router chat uses.
func (h *Handlers) HandleAdminCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	verb := strings.ToLower(strings.TrimSpace(req.Verb))
	if verb == "" {
		http.Error(w, "verb is required", http.StatusBadRequest)
		return
	}
	cmd := chat.Command{Kind: chat.KindCommand, Verb: verb}
	if terms := chat.SplitTerms(strings.Join(req.Terms, ",")); len(terms) > 0 {
		cmd.Kind = chat.KindTerms
		cmd.Terms = terms
	}

	logger := telemetry.LoggerWithCorr(r.Context(), slog.Default()).With(slog.String("component", "http_admin"))
	logger.Info("admin command", slog.String("verb", verb), slog.Int("terms", len(cmd.Terms)))

	reply, err := h.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, command.ErrUnknownCommand) || errors.Is(err, command.ErrArity) {
			code = http.StatusBadRequest
		}
		logger.Warn("admin command failed", slog.String("verb", verb), slog.Any("err", err))
		writeJSON(w, r, code, CommandResponse{Reply: reply, Error: err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, CommandResponse{Reply: reply})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.LoggerWithCorr(r.Context(), slog.Default()).Warn("failed to encode response", slog.Any("err", err))
	}
}
