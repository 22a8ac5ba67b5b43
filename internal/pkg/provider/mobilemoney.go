package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

const defaultMobileMoneyBaseURL = "https://sandbox.momodeveloper.mtn.com"

// Request-to-pay states reported by the collection API.
const (
	momoStatusPending    = "PENDING"
	momoStatusSuccessful = "SUCCESSFUL"
	momoStatusFailed     = "FAILED"
	momoStatusRejected   = "REJECTED"
	momoStatusTimeout    = "TIMEOUT"
)

type MobileMoneyConfig struct {
	BaseURL           string
	SubscriptionKey   string
	APIUser           string
	APIKey            string
	TargetEnvironment string
	CallbackURL       string
	Currency          string
	Timeout           time.Duration
}

func LoadMobileMoneyConfig() MobileMoneyConfig {
	return MobileMoneyConfig{
		BaseURL:           strings.TrimRight(env.GetEnv("MOMO_BASE_URL", defaultMobileMoneyBaseURL), "/"),
		SubscriptionKey:   env.GetEnv("MOMO_SUBSCRIPTION_KEY", ""),
		APIUser:           env.GetEnv("MOMO_API_USER", ""),
		APIKey:            env.GetEnv("MOMO_API_KEY", ""),
		TargetEnvironment: env.GetEnv("MOMO_TARGET_ENVIRONMENT", "sandbox"),
		CallbackURL:       env.GetEnv("MOMO_CALLBACK_URL", ""),
		Currency:          env.GetEnv("MOMO_CURRENCY", ""),
		Timeout:           env.GetEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 15*time.Second),
	}
}

// MobileMoneyProvider talks to a collections "request to pay" API. The payer
// approves the charge on their phone; the outcome is polled with Verify.
type MobileMoneyProvider struct {
	cfg        MobileMoneyConfig
	HTTPClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	newReference func() string
}

func NewMobileMoneyProvider(cfg MobileMoneyConfig) *MobileMoneyProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MobileMoneyProvider{
		cfg:          cfg,
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		newReference: uuid.NewString,
	}
}

func (p *MobileMoneyProvider) Kind() models.PaymentProvider {
	return models.PaymentProviderMobileMoney
}

// PinnedCurrency is the MOMO_CURRENCY the collection account settles in.
func (p *MobileMoneyProvider) PinnedCurrency() string {
	return strings.ToUpper(strings.TrimSpace(p.cfg.Currency))
}

type momoParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type momoRequestToPay struct {
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ExternalID   string    `json:"externalId"`
	Payer        momoParty `json:"payer"`
	PayerMessage string    `json:"payerMessage"`
	PayeeNote    string    `json:"payeeNote"`
}

type momoRequestToPayStatus struct {
	Amount                 string    `json:"amount"`
	Currency               string    `json:"currency"`
	FinancialTransactionID string    `json:"financialTransactionId"`
	ExternalID             string    `json:"externalId"`
	Payer                  momoParty `json:"payer"`
	Status                 string    `json:"status"`
	Reason                 string    `json:"reason"`
}

type momoToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *MobileMoneyProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	if err := validateInitiate(p.Kind(), req); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !AcceptsCurrency(p, currency) {
		return nil, fmt.Errorf("%w: account settles in %s, got %s", ErrCurrencyMismatch, p.PinnedCurrency(), currency)
	}
	msisdn := strings.TrimPrefix(strings.TrimSpace(req.PayerIdentifier), "+")
	body, err := json.Marshal(momoRequestToPay{
		Amount:       req.Amount.String(),
		Currency:     currency,
		ExternalID:   externalID(req.CourseID, req.PaymentID),
		Payer:        momoParty{PartyIDType: "MSISDN", PartyID: msisdn},
		PayerMessage: truncate(fmt.Sprintf("Payment for %s", courseLabel(req)), 160),
		PayeeNote:    truncate(fmt.Sprintf("course %d user %d", req.CourseID, req.UserID), 160),
	})
	if err != nil {
		return nil, err
	}

	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	reference := p.newReference()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq, token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Reference-Id", reference)
	if p.cfg.CallbackURL != "" {
		httpReq.Header.Set("X-Callback-Url", p.cfg.CallbackURL)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, unavailable("request to pay", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusAccepted {
		return nil, p.statusError("request to pay", resp.StatusCode, respBody)
	}

	log.Infof("[MobileMoney] Request to pay %s accepted for payment %s", reference, req.PaymentID)
	return &InitiateResult{
		Status:                models.PaymentStatusPending,
		ProviderTransactionID: reference,
		PayerFacingHandle:     fmt.Sprintf("Approve the payment prompt sent to %s", req.PayerIdentifier),
		Raw: map[string]interface{}{
			"reference_id": reference,
			"external_id":  externalID(req.CourseID, req.PaymentID),
		},
	}, nil
}

func (p *MobileMoneyProvider) Verify(ctx context.Context, providerTransactionID string) (*VerifyResult, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := p.cfg.BaseURL + "/collection/v1_0/requesttopay/" + url.PathEscape(providerTransactionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq, token)

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, unavailable("request to pay status", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, providerTransactionID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError("request to pay status", resp.StatusCode, respBody)
	}

	var status momoRequestToPayStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("decode request to pay status: %w", err)
	}
	return outcomeFromStatus(providerTransactionID, status), nil
}

func outcomeFromStatus(reference string, s momoRequestToPayStatus) *VerifyResult {
	res := &VerifyResult{
		Status:   models.PaymentStatusPending,
		Currency: strings.ToUpper(s.Currency),
		Raw: map[string]interface{}{
			"reference_id": reference,
			"status":       s.Status,
		},
	}
	if amount, err := decimal.NewFromString(strings.TrimSpace(s.Amount)); err == nil {
		res.Amount = amount
	}
	if courseID, ok := courseFromExternalID(s.ExternalID); ok {
		res.CourseID = courseID
	}
	if s.FinancialTransactionID != "" {
		res.Raw["financial_transaction_id"] = s.FinancialTransactionID
	}
	if s.Reason != "" {
		res.Raw["reason"] = s.Reason
	}

	switch strings.ToUpper(s.Status) {
	case momoStatusSuccessful:
		now := time.Now().UTC()
		res.Status = models.PaymentStatusSuccess
		res.PaidAt = &now
	case momoStatusFailed, momoStatusRejected, momoStatusTimeout:
		res.Status = models.PaymentStatusFailed
	}
	return res
}

// accessToken returns a cached bearer token, refreshing it shortly before expiry.
func (p *MobileMoneyProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(p.cfg.APIUser, p.cfg.APIKey)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.cfg.SubscriptionKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return "", unavailable("token", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", p.statusError("token", resp.StatusCode, body)
	}

	var tok momoToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned empty access_token", ErrProviderUnavailable)
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl > time.Minute {
		ttl -= 30 * time.Second
	}
	p.token = tok.AccessToken
	p.tokenExpiry = time.Now().Add(ttl)
	return p.token, nil
}

func (p *MobileMoneyProvider) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Target-Environment", p.cfg.TargetEnvironment)
	req.Header.Set("Ocp-Apim-Subscription-Key", p.cfg.SubscriptionKey)
	req.Header.Set("Accept", "application/json")
}

func (p *MobileMoneyProvider) checkConfigured() error {
	if p.cfg.BaseURL == "" || p.cfg.APIUser == "" || p.cfg.APIKey == "" || p.cfg.SubscriptionKey == "" {
		return fmt.Errorf("%w: MOMO_BASE_URL, MOMO_API_USER, MOMO_API_KEY and MOMO_SUBSCRIPTION_KEY are required", ErrNotConfigured)
	}
	return nil
}

func (p *MobileMoneyProvider) statusError(op string, status int, body []byte) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return fmt.Errorf("%w: %s: status=%d body=%s", ErrProviderUnavailable, op, status, string(body))
	}
	if status == http.StatusUnauthorized {
		// Drop the cached token so the next call authenticates again.
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
		return fmt.Errorf("%w: %s: unauthorized", ErrProviderUnavailable, op)
	}
	return fmt.Errorf("mobile money %s rejected: status=%d body=%s", op, status, string(body))
}

// externalID correlates the provider transaction with the course and payment.
func externalID(courseID uint, paymentID string) string {
	return fmt.Sprintf("%d:%s", courseID, paymentID)
}

func courseFromExternalID(id string) (uint, bool) {
	raw, _, ok := strings.Cut(id, ":")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

func courseLabel(req InitiateRequest) string {
	if t := strings.TrimSpace(req.CourseTitle); t != "" {
		return t
	}
	return fmt.Sprintf("course %d", req.CourseID)
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
