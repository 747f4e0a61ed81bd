package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinshop-payments/internal/config"
	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/infra/logging"
	"coinshop-payments/internal/usecase"
)

// Options tune the HTTP surface. Zero values fall back to the config defaults.
type Options struct {
	WebhookPath     string
	SignatureHeader string
	AbuseLimit      int
	AbuseWindow     time.Duration
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
	Heartbeat       time.Duration
	// TrustedProxies are the peers allowed to name the client in forwarding
	// headers. Requests from anyone else are keyed by their socket address.
	TrustedProxies []netip.Prefix
}

// OptionsFromConfig expects a validated config.
func OptionsFromConfig(cfg *config.Config) Options {
	proxies, _ := cfg.Server.ProxyPrefixes()
	return Options{
		TrustedProxies:  proxies,
		WebhookPath:     cfg.Webhook.Path,
		SignatureHeader: cfg.Gateway.SignatureHeader,
		AbuseLimit:      cfg.Webhook.AbuseLimit,
		AbuseWindow:     cfg.Webhook.AbuseWindow,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		RequestTimeout:  cfg.Server.RequestTimeout,
	}
}

// Server exposes the inbound webhook and the collaborator API.
type Server struct {
	recon    usecase.ReconciliationUseCase
	checkout usecase.CheckoutUseCase
	limiter  adapter.AbuseLimiter
	auth     *AuthManager
	opts     Options
	log      *zerolog.Logger

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewServer builds the HTTP layer. limiter may be nil, which disables the
// inbound abuse limit.
func NewServer(recon usecase.ReconciliationUseCase, checkout usecase.CheckoutUseCase, limiter adapter.AbuseLimiter, auth *AuthManager, opts Options, logger *zerolog.Logger) *Server {
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhooks/btcpay"
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "BTCPay-Sig"
	}
	if opts.AbuseLimit <= 0 {
		opts.AbuseLimit = 120
	}
	if opts.AbuseWindow <= 0 {
		opts.AbuseWindow = time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		recon:       recon,
		checkout:    checkout,
		limiter:     limiter,
		auth:        auth,
		opts:        opts,
		log:         logger,
		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. http.Server.Shutdown waits for
// active connections, so register this with RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

// Router returns the complete handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(ForwardedFor(s.opts.TrustedProxies))
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	timeout := Timeout(s.opts.RequestTimeout)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(timeout).Post(s.opts.WebhookPath, s.handleWebhook)

	r.Route("/api/v1/invoices", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Require())
		}
		r.With(timeout).Post("/", s.handleCreateInvoice)
		r.With(timeout).Get("/{id}", s.handleGetInvoice)
		r.With(timeout).Get("/{id}/payment-methods", s.handlePaymentMethods)
		r.With(timeout).Post("/{id}/refunds", s.handleRefund)
		r.With(timeout).Post("/{id}/cancel", s.handleCancel)
		// Streams outlive the request timeout.
		r.Get("/{id}/events", s.handleInvoiceEvents)
	})
	return r
}

// ---------- inbound webhook ----------

func webhookClientKey(clientIP string) string {
	return "rate_limit:webhook:" + clientIP
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logging.With(ctx, s.log)

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, webhookClientKey(clientIP(r)), s.opts.AbuseLimit, s.opts.AbuseWindow)
		switch {
		case err != nil:
			// A broken limiter store must not stop payment notifications.
			l.Warn().Err(err).Msg("webhook abuse limiter unavailable")
		case !ok:
			l.Warn().Str("client", clientIP(r)).Msg("webhook abuse limit reached")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: domain.ErrAbuseLimited.Error()})
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}

	res, err := s.recon.ProcessInboundWebhook(ctx, raw, r.Header.Get(s.opts.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSignatureInvalid):
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature"})
		case errors.Is(err, domain.ErrInvalidArgument):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: res.Reason})
		default:
			// Anything else must make the processor redeliver.
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing failed"})
		}
		return
	}
	writeJSON(w, http.StatusOK, webhookAck{Accepted: res.Accepted, Outcome: string(res.Outcome)})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------- collaborator API ----------

type createInvoiceRequest struct {
	Package          packageDTO `json:"package"`
	UserID           string     `json:"userId"`
	PurchaseIntentID string     `json:"purchaseIntentId,omitempty"`
	OrderID          string     `json:"orderId,omitempty"`
}

type packageDTO struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Coins    int64           `json:"coins"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	pkg := model.CoinPackage{
		ID:       req.Package.ID,
		Name:     req.Package.Name,
		Price:    req.Package.Price,
		Currency: req.Package.Currency,
		Coins:    req.Package.Coins,
	}
	inv, err := s.checkout.CreateInvoiceForPackage(r.Context(), pkg, model.CorrelationIDs{
		UserID:           req.UserID,
		PurchaseIntentID: req.PurchaseIntentID,
		OrderID:          req.OrderID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.checkout.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.checkout.GetPaymentMethods(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]paymentMethodDTO, 0, len(methods))
	for _, m := range methods {
		out = append(out, paymentMethodDTO{
			PaymentMethod: m.PaymentMethod,
			Destination:   m.Destination,
			PaymentLink:   m.PaymentLink,
			Rate:          m.Rate.String(),
			Amount:        m.Amount.String(),
			Due:           m.Due.String(),
			TotalPaid:     m.TotalPaid.String(),
			Activated:     m.Activated,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type refundRequest struct {
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	PaymentMethod string           `json:"paymentMethod,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	inv, err := s.checkout.CancelInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toInvoiceDTO(inv))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	refund, err := s.checkout.RefundInvoice(r.Context(), model.RefundRequest{
		InvoiceID:     chi.URLParam(r, "id"),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reason:        req.Reason,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, refundDTO{
		ID:        refund.ID,
		InvoiceID: refund.InvoiceID,
		Amount:    refund.Amount.String(),
		Currency:  refund.Currency,
		ViewLink:  refund.ViewLink,
	})
}

// handleInvoiceEvents streams status changes as Server-Sent Events. The first
// event is the stored status; the stream ends once the invoice is terminal.
func (s *Server) handleInvoiceEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	inv, err := s.checkout.GetInvoice(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := model.StatusChange{InvoiceID: inv.ID, Current: inv.Status, ObservedAt: time.Now().UTC()}
	writeEvent(w, "status", toStatusDTO(snapshot))
	flusher.Flush()
	if inv.Status.IsTerminal() {
		return
	}
	select {
	case <-s.streamsDone:
		return
	default:
	}

	changes := make(chan model.StatusChange, 8)
	unsubscribe, err := s.checkout.SubscribeToInvoiceStatus(ctx, id, func(ch model.StatusChange) {
		select {
		case changes <- ch:
		default:
		}
	})
	if err != nil {
		logging.With(ctx, s.log).Warn().Err(err).Str("invoice_id", id).Msg("status subscription failed")
		writeEvent(w, "error", errorBody{Error: "subscription failed"})
		flusher.Flush()
		return
	}
	defer unsubscribe()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			return
		case ch := <-changes:
			writeEvent(w, "status", toStatusDTO(ch))
			flusher.Flush()
			if ch.Current.IsTerminal() {
				return
			}
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
}

// ---------- responses ----------

type errorBody struct {
	Error string `json:"error"`
}

type webhookAck struct {
	Accepted bool   `json:"accepted"`
	Outcome  string `json:"outcome"`
}

type invoiceDTO struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	CheckoutLink     string     `json:"checkoutLink,omitempty"`
	UserID           string     `json:"userId"`
	PackageID        string     `json:"packageId"`
	Coins            int64      `json:"coins"`
	PurchaseIntentID string     `json:"purchaseIntentId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

func toInvoiceDTO(inv *model.Invoice) invoiceDTO {
	return invoiceDTO{
		ID:               inv.ID,
		Status:           string(inv.Status),
		Amount:           inv.Amount.String(),
		Currency:         inv.Currency,
		CheckoutLink:     inv.CheckoutLink,
		UserID:           inv.Metadata.UserID,
		PackageID:        inv.Metadata.PackageID,
		Coins:            inv.Metadata.CoinsToCredit,
		PurchaseIntentID: inv.Metadata.PurchaseIntentID,
		CreatedAt:        inv.CreatedAt,
		ExpiresAt:        inv.ExpiresAt,
		SettledAt:        inv.SettledAt,
	}
}

type paymentMethodDTO struct {
	PaymentMethod string `json:"paymentMethod"`
	Destination   string `json:"destination"`
	PaymentLink   string `json:"paymentLink,omitempty"`
	Rate          string `json:"rate"`
	Amount        string `json:"amount"`
	Due           string `json:"due"`
	TotalPaid     string `json:"totalPaid"`
	Activated     bool   `json:"activated"`
}

type refundDTO struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoiceId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	ViewLink  string `json:"viewLink,omitempty"`
}

type statusDTO struct {
	InvoiceID  string    `json:"invoiceId"`
	Previous   string    `json:"previous,omitempty"`
	Current    string    `json:"status"`
	ObservedAt time.Time `json:"observedAt"`
}

func toStatusDTO(ch model.StatusChange) statusDTO {
	return statusDTO{InvoiceID: ch.InvoiceID, Previous: string(ch.Previous), Current: string(ch.Current), ObservedAt: ch.ObservedAt}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		logging.With(r.Context(), s.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := http.StatusText(code)
	if code < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case domain.IsRateLimit(err):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTransientGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
