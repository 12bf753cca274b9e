package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/settlement"
)

// InvoiceDetail is the API view of one invoice together with the payout and
// platform fee produced by its settlement, when settled.
type InvoiceDetail struct {
	Invoice     models.Invoice      `json:"invoice"`
	Payout      *models.Payout      `json:"payout,omitempty"`
	PlatformFee *models.PlatformFee `json:"platform_fee,omitempty"`
}

// disputeRequest is the body of POST /invoices/{uuid}/dispute.
type disputeRequest struct {
	Reason string `json:"reason"`
}

// resolveRequest is the body of POST /invoices/{uuid}/resolve.
type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// settlementErrType maps settlement pipeline errors to API error types.
func settlementErrType(err error) errorType {
	switch {
	case errors.Is(err, settlement.ErrInvoiceDisputed),
		errors.Is(err, settlement.ErrInvoiceSettled),
		errors.Is(err, settlement.ErrInvoiceNotDisputed):
		return errorExec
	case errors.Is(err, sql.ErrNoRows):
		return errorNotFound
	default:
		return errorInternal
	}
}

// fetchOwnedInvoice loads the invoice in the URL and enforces ownership. On
// failure the error response has already been written.
func (s *BrokerServer) fetchOwnedInvoice(w http.ResponseWriter, r *http.Request) (models.Invoice, bool) {
	loggedUser, admin := s.getUser(r)
	invoiceUUID := mux.Vars(r)["uuid"]

	invoice, err := s.store.Invoice(r.Context(), invoiceUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse[any](w, &apiError{errorNotFound, fmt.Errorf("invoice %s not found", invoiceUUID)}, s.logger, nil)
		} else {
			errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)
		}

		return models.Invoice{}, false
	}

	if !admin && invoice.CustomerAddr != loggedUser {
		errorResponse[any](w, &apiError{errorUnauthorized, errNoAuth}, s.logger, nil)

		return models.Invoice{}, false
	}

	return invoice, true
}

// GET /api/v1/usage
// Rolling usage aggregates of the caller, one row per cluster. Aggregates
// are always scoped to a customer, admins included.
func (s *BrokerServer) usage(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	loggedUser, admin := s.getUser(r)

	addrs := []string{loggedUser}
	if admin {
		if customers := r.URL.Query()["customer"]; len(customers) > 0 {
			addrs = customers
		}
	}

	q := Query{}
	q.query(fmt.Sprintf("SELECT * FROM %s WHERE customer_addr IN ", base.UsageAggsDBTableName))
	q.param(addrs)

	if clusters := r.URL.Query()["cluster"]; len(clusters) > 0 {
		q.query(" AND cluster_id IN ")
		q.param(clusters)
	}

	q.query(" ORDER BY id")

	aggs, err := Querier[models.UsageAggregate](r.Context(), s.db, q, s.logger)
	if err != nil {
		s.logger.Error("Failed to fetch usage aggregates", "loggedUser", loggedUser, "err", err)
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.UsageAggregate]{
		Status: "success",
		Data:   aggs,
	}
	if err = json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/invoices
// List invoices of the caller within a time window.
func (s *BrokerServer) invoices(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	loggedUser, _ := s.getUser(r)
	addrs := s.scopedAddrs(r)

	q := Query{}
	q.query(fmt.Sprintf("SELECT * FROM %s", base.InvoicesDBTableName))

	if uuids := r.URL.Query()["uuid"]; len(uuids) > 0 {
		q.query(" WHERE uuid IN ")
		q.param(uuids)
	} else {
		queryWindowTS, err := s.getQueryWindow(r)
		if err != nil {
			errorResponse[any](w, &apiError{errorBadData, err}, s.logger, nil)

			return
		}

		q.query(" WHERE created_at BETWEEN ")
		q.param([]string{queryWindowTS["from"]})
		q.query(" AND ")
		q.param([]string{queryWindowTS["to"]})
	}

	if len(addrs) > 0 {
		q.query(" AND customer_addr IN ")
		q.param(addrs)
	}

	if statuses := r.URL.Query()["status"]; len(statuses) > 0 {
		q.query(" AND status IN ")
		q.param(statuses)
	}

	if jobs := r.URL.Query()["job"]; len(jobs) > 0 {
		q.query(" AND job_uuid IN ")
		q.param(jobs)
	}

	q.query(" ORDER BY id")

	invoices, err := Querier[models.Invoice](r.Context(), s.db, q, s.logger)
	if err != nil {
		s.logger.Error("Failed to fetch invoices", "loggedUser", loggedUser, "err", err)
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.Invoice]{
		Status: "success",
		Data:   invoices,
	}
	if err = json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/invoices/{uuid}
// One invoice with its settlement sub-records, if any.
func (s *BrokerServer) invoice(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	invoice, ok := s.fetchOwnedInvoice(w, r)
	if !ok {
		return
	}

	detail := InvoiceDetail{Invoice: invoice}

	payout, found, err := s.store.PayoutForInvoice(r.Context(), invoice.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	if found {
		detail.Payout = &payout
	}

	fee, found, err := s.store.PlatformFeeForInvoice(r.Context(), invoice.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	if found {
		detail.PlatformFee = &fee
	}

	w.WriteHeader(http.StatusOK)

	response := Response[InvoiceDetail]{
		Status: "success",
		Data:   []InvoiceDetail{detail},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/invoices/{uuid}/audit
// Append-only audit trail of one invoice, oldest first.
func (s *BrokerServer) invoiceAudit(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	invoice, ok := s.fetchOwnedInvoice(w, r)
	if !ok {
		return
	}

	records, err := s.store.AuditRecords(r.Context(), invoice.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.AuditRecord]{
		Status: "success",
		Data:   records,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// POST /api/v1/invoices/{uuid}/dispute
// Raise a dispute on a pending invoice. Open to the invoiced customer and
// to admins acting for the provider side.
func (s *BrokerServer) disputeInvoice(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	invoice, ok := s.fetchOwnedInvoice(w, r)
	if !ok {
		return
	}

	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse[any](w, &apiError{errorBadData, errInvalidRequest}, s.logger, nil)

		return
	}

	if req.Reason == "" {
		errorResponse[any](w, &apiError{errorBadData, errMissingReason}, s.logger, nil)

		return
	}

	disputed, err := s.settler.RaiseDispute(r.Context(), invoice.UUID, req.Reason)
	if err != nil {
		errorResponse[any](w, &apiError{settlementErrType(err), err}, s.logger, nil)

		return
	}

	s.logger.Info("Invoice disputed", "invoice", invoice.UUID, "reason", req.Reason)

	w.WriteHeader(http.StatusOK)

	response := Response[models.Invoice]{
		Status: "success",
		Data:   []models.Invoice{disputed},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// POST /api/v1/invoices/{uuid}/resolve
// Resolve a disputed invoice back to pending. Admin only.
func (s *BrokerServer) resolveInvoice(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	if _, admin := s.getUser(r); !admin {
		errorResponse[any](w, &apiError{errorForbidden, errNoPrivs}, s.logger, nil)

		return
	}

	invoiceUUID := mux.Vars(r)["uuid"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse[any](w, &apiError{errorBadData, errInvalidRequest}, s.logger, nil)

		return
	}

	if req.Resolution == "" {
		errorResponse[any](w, &apiError{errorBadData, errMissingResolution}, s.logger, nil)

		return
	}

	resolved, err := s.settler.ResolveDispute(r.Context(), invoiceUUID, req.Resolution)
	if err != nil {
		errorResponse[any](w, &apiError{settlementErrType(err), err}, s.logger, nil)

		return
	}

	s.logger.Info("Invoice dispute resolved", "invoice", invoiceUUID)

	w.WriteHeader(http.StatusOK)

	response := Response[models.Invoice]{
		Status: "success",
		Data:   []models.Invoice{resolved},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// POST /api/v1/invoices/{uuid}/settle
// Settle a pending invoice. Admin only, settlement also runs from the
// pipeline on billing closure.
func (s *BrokerServer) settleInvoice(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	if _, admin := s.getUser(r); !admin {
		errorResponse[any](w, &apiError{errorForbidden, errNoPrivs}, s.logger, nil)

		return
	}

	invoiceUUID := mux.Vars(r)["uuid"]

	settled, err := s.settler.TriggerSettlement(r.Context(), invoiceUUID)
	if err != nil {
		errorResponse[any](w, &apiError{settlementErrType(err), err}, s.logger, nil)

		return
	}

	s.logger.Info("Invoice settled", "invoice", invoiceUUID, "payout", settled.TotalAmount)

	w.WriteHeader(http.StatusOK)

	response := Response[models.Invoice]{
		Status: "success",
		Data:   []models.Invoice{settled},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}
