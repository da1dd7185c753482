package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

const maxBodySize = 1 << 20

type createSubscriptionRequest struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	PlanID         string `json:"plan_id"`
}

type chargeResponse struct {
	ChargeID           string                 `json:"charge_id"`
	SourceBreakdown    models.SourceBreakdown `json:"source_breakdown"`
	NewAvailableTokens int64                  `json:"new_available_tokens"`
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	ErrorKind models.ErrorKind `json:"error_kind"`
	Error     string           `json:"error"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PlanID == "" {
		s.writeError(w, r, models.Errorf(models.KindInvalidRequest, "create subscription", "plan_id is required"))
		return
	}
	sub, err := s.engine.CreateSubscription(r.Context(), req.UserID, req.OrganizationID, req.PlanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := subscription.ListFilter{
		UserID:         q.Get("user_id"),
		OrganizationID: q.Get("organization_id"),
		Status:         models.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, r, models.Errorf(models.KindInvalidRequest, "list subscriptions", "unknown status %q", f.Status))
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	subs, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCharge serves both the nested route and POST /v1/charges, where the
// subscription id travels in the body.
func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req models.ChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.PathValue("id") != "" {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.SubscriptionID = id
	}
	if req.SubscriptionID <= 0 {
		s.writeError(w, r, models.Errorf(models.KindInvalidRequest, "charge", "subscription_id is required"))
		return
	}

	res, err := s.engine.Charge(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chargeResponse{
		ChargeID:           res.ChargeID,
		SourceBreakdown:    res.SourceBreakdown,
		NewAvailableTokens: res.NewAvailableTokens,
	})
}

func (s *Server) handlePlanChange(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req models.PlanChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Apply(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PackageID == "" {
		s.writeError(w, r, models.Errorf(models.KindInvalidRequest, "purchase", "package_id is required"))
		return
	}
	res, err := s.engine.Purchase(r.Context(), id, req.PackageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	purchases, err := s.engine.Purchases(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hq, err := historyQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hq.SubscriptionID = id

	page, err := s.engine.History(r.Context(), hq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.engine.Verify(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		models.BalanceReport
		Consistent bool `json:"consistent"`
	}{report, report.Consistent()})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.engine.Plans(r.Context(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.engine.Packages(r.Context(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packages)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func historyQuery(r *http.Request) (models.HistoryQuery, error) {
	q := r.URL.Query()
	hq := models.HistoryQuery{
		Model:    q.Get("model"),
		Provider: q.Get("provider"),
		Source:   models.SourceType(q.Get("source")),
	}
	if hq.Source != "" && !hq.Source.Valid() {
		return hq, models.Errorf(models.KindInvalidRequest, "consumption", "unknown source %q", hq.Source)
	}
	var err error
	if hq.From, err = queryTime(q.Get("from"), "from"); err != nil {
		return hq, err
	}
	if hq.To, err = queryTime(q.Get("to"), "to"); err != nil {
		return hq, err
	}
	if hq.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		return hq, err
	}
	if hq.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
		return hq, err
	}
	return hq, nil
}

func queryTime(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, models.Errorf(models.KindInvalidRequest, "query", "%s must be RFC 3339", name)
	}
	return t.UTC(), nil
}

func queryInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.Errorf(models.KindInvalidRequest, "query", "%s must be a non-negative integer", name)
	}
	return n, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.Errorf(models.KindInvalidRequest, "path", "invalid subscription id %q", r.PathValue("id"))
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return models.Errorf(models.KindInvalidRequest, "decode", "failed to read request body")
	}
	r.Body.Close()
	if len(body) > maxBodySize {
		return models.Errorf(models.KindInvalidRequest, "decode", "request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return models.Errorf(models.KindInvalidRequest, "decode", "invalid request body")
	}
	return nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidEntry, models.KindInvalidAmount, models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindInsufficientTokens:
		return http.StatusPaymentRequired
	case models.KindInvalidState, models.KindInvalidTransition, models.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", logging.RequestID(r.Context())).Msg("request failed")
		kind = "Internal"
		msg = "internal error"
	}
	var me *models.Error
	if errors.As(err, &me) && me.Msg != "" && code != http.StatusInternalServerError {
		msg = me.Msg
	}
	writeJSON(w, code, errorResponse{ErrorKind: kind, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
