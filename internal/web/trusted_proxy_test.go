package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTrustedProxyChecker_IsTrusted(t *testing.T) {
	tpc := NewTrustedProxyChecker([]string{"10.0.0.0/8", "192.168.1.5", " ", "not-an-ip"})

	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.1.2.3:5555", true},
		{"192.168.1.5:80", true},
		{"192.168.1.6", false},
		{"8.8.8.8", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := tpc.IsTrusted(tt.addr); got != tt.want {
			t.Errorf("IsTrusted(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if !tpc.HasTrustedProxies() {
		t.Error("HasTrustedProxies = false")
	}
	if NewTrustedProxyChecker(nil).HasTrustedProxies() {
		t.Error("empty checker reports proxies")
	}
}

func TestTrustedProxyChecker_ClientIP(t *testing.T) {
	tpc := NewTrustedProxyChecker([]string{"10.0.0.1"})

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct client", "203.0.113.7:1234", "", "", "203.0.113.7"},
		{"untrusted forwarder ignored", "203.0.113.7:1234", "1.2.3.4", "", "203.0.113.7"},
		{"trusted forwarder", "10.0.0.1:1234", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"trusted real ip", "10.0.0.1:1234", "", "5.6.7.8", "5.6.7.8"},
		{"trusted without headers", "10.0.0.1:1234", "", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := tpc.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
