package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// VerificationResult is the shape this subsystem needs from a billing
// platform's verification endpoint.
type VerificationResult struct {
	Valid        bool
	ExpiresAt    *time.Time // nil when the platform reports no expiry
	Environment  string     // "production" or "sandbox"
	AutoRenewing bool
}

// ReceiptVerifier validates a raw purchase token against a billing platform.
type ReceiptVerifier interface {
	Verify(ctx context.Context, productID, receipt string) (*VerificationResult, error)
}

// Apple verifyReceipt status codes this subsystem cares about.
const (
	appleStatusOK                = 0
	appleStatusSandboxReceipt    = 21007 // sandbox receipt sent to production
	appleStatusProductionReceipt = 21008 // production receipt sent to sandbox
)

// AppleVerifier validates receipts against Apple's verifyReceipt endpoint,
// trying the primary environment first and transparently retrying the other
// environment on the wrong-environment status codes.
type AppleVerifier struct {
	ProductionURL string
	SandboxURL    string
	SharedSecret  string
	Client        *http.Client
}

type appleVerifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password,omitempty"`
}

type appleVerifyResponse struct {
	Status            int    `json:"status"`
	Environment       string `json:"environment"`
	LatestReceiptInfo []struct {
		ProductID     string `json:"product_id"`
		ExpiresDateMS string `json:"expires_date_ms"`
	} `json:"latest_receipt_info"`
	PendingRenewalInfo []struct {
		AutoRenewStatus string `json:"auto_renew_status"`
	} `json:"pending_renewal_info"`
}

// Verify implements ReceiptVerifier.
func (v *AppleVerifier) Verify(ctx context.Context, productID, receipt string) (*VerificationResult, error) {
	resp, err := v.post(ctx, v.ProductionURL, receipt)
	if err != nil {
		return nil, err
	}

	// Wrong environment: retry the other side once, transparently.
	switch resp.Status {
	case appleStatusSandboxReceipt:
		log.Debug().Str("product_id", productID).Msg("Sandbox receipt sent to production; retrying sandbox")
		resp, err = v.post(ctx, v.SandboxURL, receipt)
	case appleStatusProductionReceipt:
		log.Debug().Str("product_id", productID).Msg("Production receipt sent to sandbox; retrying production")
		resp, err = v.post(ctx, v.ProductionURL, receipt)
	}
	if err != nil {
		return nil, err
	}

	if resp.Status != appleStatusOK {
		return nil, &VerifyError{
			Op:         "apple_verify",
			Platform:   "apple",
			StatusCode: resp.Status,
			Err:        ErrVerificationFailed,
		}
	}

	result := &VerificationResult{
		Valid:       true,
		Environment: resp.Environment,
	}
	for _, info := range resp.LatestReceiptInfo {
		if info.ProductID != "" && info.ProductID != productID {
			continue
		}
		if ms, err := strconv.ParseInt(info.ExpiresDateMS, 10, 64); err == nil && ms > 0 {
			t := time.UnixMilli(ms).UTC()
			result.ExpiresAt = &t
		}
	}
	for _, renewal := range resp.PendingRenewalInfo {
		if renewal.AutoRenewStatus == "1" {
			result.AutoRenewing = true
		}
	}
	return result, nil
}

func (v *AppleVerifier) post(ctx context.Context, url, receipt string) (*appleVerifyResponse, error) {
	body, err := json.Marshal(appleVerifyRequest{ReceiptData: receipt, Password: v.SharedSecret})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.client().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &VerifyError{Op: "apple_verify", Platform: "apple", Err: ErrUpstreamTimeout, Retryable: true}
		}
		return nil, &VerifyError{Op: "apple_verify", Platform: "apple", Err: err, Retryable: true}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &VerifyError{
			Op:         "apple_verify",
			Platform:   "apple",
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("unexpected HTTP status %d", httpResp.StatusCode),
			Retryable:  httpResp.StatusCode >= 500,
		}
	}

	var resp appleVerifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &VerifyError{Op: "apple_verify", Platform: "apple", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &resp, nil
}

func (v *AppleVerifier) client() *http.Client {
	if v.Client != nil {
		return v.Client
	}
	return http.DefaultClient
}

// GoogleVerifier validates purchase tokens against the Play verification
// endpoint. Only the response shape matters here; auth plumbing to the
// androidpublisher API sits behind the configured URL.
type GoogleVerifier struct {
	VerifyURL string
	Client    *http.Client
}

type googleVerifyRequest struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

type googleVerifyResponse struct {
	PurchaseState    int    `json:"purchaseState"` // 0 purchased, 1 canceled, 2 pending
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	AutoRenewing     bool   `json:"autoRenewing"`
}

// Verify implements ReceiptVerifier.
func (v *GoogleVerifier) Verify(ctx context.Context, productID, receipt string) (*VerificationResult, error) {
	body, err := json.Marshal(googleVerifyRequest{ProductID: productID, PurchaseToken: receipt})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &VerifyError{Op: "google_verify", Platform: "google", Err: ErrUpstreamTimeout, Retryable: true}
		}
		return nil, &VerifyError{Op: "google_verify", Platform: "google", Err: err, Retryable: true}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &VerifyError{
			Op:         "google_verify",
			Platform:   "google",
			StatusCode: httpResp.StatusCode,
			Err:        ErrVerificationFailed,
			Retryable:  httpResp.StatusCode >= 500,
		}
	}

	var resp googleVerifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &VerifyError{Op: "google_verify", Platform: "google", Err: fmt.Errorf("decode response: %w", err)}
	}

	if resp.PurchaseState != 0 {
		return nil, &VerifyError{
			Op:         "google_verify",
			Platform:   "google",
			StatusCode: resp.PurchaseState,
			Err:        ErrVerificationFailed,
		}
	}

	result := &VerificationResult{
		Valid:        true,
		Environment:  "production",
		AutoRenewing: resp.AutoRenewing,
	}
	if ms, err := strconv.ParseInt(resp.ExpiryTimeMillis, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		result.ExpiresAt = &t
	}
	return result, nil
}
