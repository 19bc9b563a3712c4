package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
)

// Handler exposes the discussion gateway over HTTP+JSON. Actor identity
// arrives pre-resolved in the X-User-Id header; session handling lives in
// the surrounding edge, not here.
type Handler struct {
	gateway  *app.Gateway
	validate *validator.Validate
}

func NewHandler(gateway *app.Gateway) *Handler {
	return &Handler{
		gateway:  gateway,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register wires all routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /discussions", h.createDiscussion)
	mux.HandleFunc("GET /discussions/{id}", h.getDiscussion)
	mux.HandleFunc("PATCH /discussions/{id}", h.editDiscussion)
	mux.HandleFunc("GET /classrooms/{classroomID}/discussions", h.listDiscussions)
	mux.HandleFunc("POST /discussions/{id}/replies", h.addReply)
	mux.HandleFunc("PATCH /replies/{id}", h.editReply)
	mux.HandleFunc("DELETE /replies/{id}", h.removeReply)
	mux.HandleFunc("POST /replies/{id}/reactions", h.toggleReaction)
	mux.HandleFunc("PUT /discussions/{id}/answer", h.selectAnswer)
	mux.HandleFunc("DELETE /discussions/{id}/answer", h.deselectAnswer)
}

type envelope struct {
	Data any `json:"data,omitempty"`
	// Invalidated lists the read-view keys this write affected; clients
	// must drop them from any local cache before the next read.
	Invalidated []string `json:"invalidated,omitempty"`
}

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

type createDiscussionRequest struct {
	Title       string `json:"title" validate:"required,max=300"`
	Body        string `json:"body" validate:"max=20000"`
	Type        string `json:"type" validate:"omitempty,oneof=question announcement"`
	ClassroomID string `json:"classroomId" validate:"required"`
}

func (h *Handler) createDiscussion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createDiscussionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, keys, err := h.gateway.CreateDiscussion(r.Context(), app.CreateDiscussionInput{
		Title:       req.Title,
		Body:        req.Body,
		Type:        domain.DiscussionType(req.Type),
		ClassroomID: req.ClassroomID,
		ActorID:     actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Data: d, Invalidated: keys})
}

func (h *Handler) getDiscussion(w http.ResponseWriter, r *http.Request) {
	view, err := h.gateway.GetDiscussion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: view})
}

type editDiscussionRequest struct {
	Title string `json:"title" validate:"required,max=300"`
	Body  string `json:"body" validate:"max=20000"`
}

func (h *Handler) editDiscussion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req editDiscussionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, keys, err := h.gateway.EditDiscussion(r.Context(), r.PathValue("id"), req.Title, req.Body, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: d, Invalidated: keys})
}

func (h *Handler) listDiscussions(w http.ResponseWriter, r *http.Request) {
	page, err := h.gateway.ListDiscussions(r.Context(), r.PathValue("classroomID"), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: page})
}

type addReplyRequest struct {
	Text          string  `json:"text" validate:"required,max=20000"`
	ParentReplyID *string `json:"parentReplyId" validate:"omitempty,uuid4"`
}

func (h *Handler) addReply(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req addReplyRequest
	if !h.decode(w, r, &req) {
		return
	}
	reply, keys, err := h.gateway.AddReply(r.Context(), r.PathValue("id"), req.ParentReplyID, req.Text, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Data: reply, Invalidated: keys})
}

type editReplyRequest struct {
	Text string `json:"text" validate:"required,max=20000"`
}

func (h *Handler) editReply(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req editReplyRequest
	if !h.decode(w, r, &req) {
		return
	}
	reply, keys, err := h.gateway.EditReply(r.Context(), r.PathValue("id"), req.Text, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: reply, Invalidated: keys})
}

func (h *Handler) removeReply(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	keys, err := h.gateway.RemoveReply(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Invalidated: keys})
}

type reactionRequest struct {
	Value string `json:"value" validate:"required,oneof=like helpful celebrate"`
}

func (h *Handler) toggleReaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, keys, err := h.gateway.ToggleReaction(r.Context(), r.PathValue("id"), actor, domain.ReactionValue(req.Value))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: state, Invalidated: keys})
}

type selectAnswerRequest struct {
	ReplyID string `json:"replyId" validate:"required"`
}

func (h *Handler) selectAnswer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req selectAnswerRequest
	if !h.decode(w, r, &req) {
		return
	}
	keys, err := h.gateway.SelectAnswer(r.Context(), r.PathValue("id"), req.ReplyID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Invalidated: keys})
}

func (h *Handler) deselectAnswer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	keys, err := h.gateway.DeselectAnswer(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Invalidated: keys})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-User-Id")
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-Id header"})
		return "", false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]domain.FieldError, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, domain.FieldError{Field: fe.Field(), Message: "failed " + fe.Tag() + " validation"})
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input", Fields: fields})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input", Fields: ve.Fields})
		return
	}
	switch {
	case errors.Is(err, domain.ErrDiscussionNotFound), errors.Is(err, domain.ErrReplyNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidNesting), errors.Is(err, domain.ErrInvalidSelection):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		log.Printf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}
