package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"leadflow_backend/internal/conductor/ports"
	"leadflow_backend/platform/logger"
)

type channelCfg struct {
	url    string
	apiKey string
}

func (c channelCfg) GetChannelURL() string    { return c.url }
func (c channelCfg) GetChannelAPIKey() string { return c.apiKey }

func TestClientMapsProviderResponses(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		body       string
		want       ports.SendStatus
		providerID string
	}{
		{"delivered", http.StatusOK, `{"messageId":"prov-123"}`, ports.SendStatusSent, "prov-123"},
		{"delivered malformed body", http.StatusOK, `not json`, ports.SendStatusSent, ""},
		{"provider outage", http.StatusBadGateway, ``, ports.SendStatusTransientFailure, ""},
		{"rejected payload", http.StatusUnprocessableEntity, `{"error":"bad number"}`, ports.SendStatusPermanentFailure, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/messages" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
					t.Errorf("unexpected auth header %q", got)
				}
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(channelCfg{url: srv.URL, apiKey: "test-key"}, logger.New("development"))
			res, err := client.Send(context.Background(), "+15550001111", "hello")
			if err != nil {
				t.Fatalf("Send returned error: %v", err)
			}
			if res.Status != tc.want {
				t.Errorf("status = %s, want %s", res.Status, tc.want)
			}
			if res.ProviderID != tc.providerID {
				t.Errorf("providerID = %q, want %q", res.ProviderID, tc.providerID)
			}
		})
	}
}

func TestNilClientQueuesForRetry(t *testing.T) {
	client := NewClient(channelCfg{}, logger.New("development"))
	if client != nil {
		t.Fatal("expected nil client when no URL is configured")
	}

	res, err := client.Send(context.Background(), "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if res.Status != ports.SendStatusTransientFailure {
		t.Errorf("status = %s, want %s", res.Status, ports.SendStatusTransientFailure)
	}
}

func TestClientUnreachableProviderIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := NewClient(channelCfg{url: srv.URL}, logger.New("development"))
	res, err := client.Send(context.Background(), "+15550001111", "hello")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if res.Status != ports.SendStatusTransientFailure {
		t.Errorf("status = %s, want %s", res.Status, ports.SendStatusTransientFailure)
	}
}

func TestPolicyCheckerOutbound(t *testing.T) {
	checker := NewPolicyChecker(logger.New("development"))

	long := make([]byte, maxOutboundLength+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		name    string
		text    string
		allowed bool
	}{
		{"plain reply", "Thanks! When works best for a quick call?", true},
		{"blocked phrase", "You are a GUARANTEED WINNER, reply now", false},
		{"over length cap", string(long), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := checker.Check(context.Background(), ports.ComplianceContext{Text: tc.text})
			if err != nil {
				t.Fatalf("Check returned error: %v", err)
			}
			if verdict.Allowed != tc.allowed {
				t.Errorf("allowed = %v, want %v (reason %q)", verdict.Allowed, tc.allowed, verdict.Reason)
			}
		})
	}
}

func TestPolicyCheckerInbound(t *testing.T) {
	checker := NewPolicyChecker(logger.New("development"))

	verdict, err := checker.Check(context.Background(), ports.ComplianceContext{Text: "   ", Inbound: true})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Allowed {
		t.Error("expected empty inbound message to be rejected")
	}

	// Inbound text is not held to the outbound phrase policy.
	verdict, err = checker.Check(context.Background(), ports.ComplianceContext{Text: "is this 100% free?", Inbound: true})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !verdict.Allowed {
		t.Errorf("inbound message rejected: %s", verdict.Reason)
	}
}

func TestPhoneNormalizer(t *testing.T) {
	n := NewPhoneNormalizer()

	got, ok := n.Normalize("(202) 555-0142")
	if !ok || got != "+12025550142" {
		t.Errorf("Normalize = %q, %v; want +12025550142, true", got, ok)
	}

	if _, ok := n.Normalize("not a number"); ok {
		t.Error("expected invalid input to be rejected")
	}
	if _, ok := n.Normalize(""); ok {
		t.Error("expected empty input to be rejected")
	}
}
