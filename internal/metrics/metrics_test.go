package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("rest", "context.create", "ok", 20*time.Millisecond)
	RecordRequest("grpc", "context.execute", "error", time.Second)

	body := scrape(t)
	if !strings.Contains(body, "puppeteer_mcp_requests_total") {
		t.Error("expected puppeteer_mcp_requests_total metric")
	}
	if !strings.Contains(body, `protocol="grpc"`) {
		t.Error("expected grpc protocol label")
	}
	if !strings.Contains(body, "puppeteer_mcp_request_duration_seconds") {
		t.Error("expected puppeteer_mcp_request_duration_seconds metric")
	}
}

func TestRecordAction(t *testing.T) {
	RecordAction("navigate", "ok", 100*time.Millisecond)
	RecordAction("screenshot", "error", time.Second)

	body := scrape(t)
	if !strings.Contains(body, `puppeteer_mcp_actions_total{action="navigate",status="ok"}`) {
		t.Error("expected navigate action counter")
	}
	if !strings.Contains(body, "puppeteer_mcp_action_duration_seconds") {
		t.Error("expected action duration histogram")
	}
}

func TestRecordError(t *testing.T) {
	RecordError("browser", "ACTION_TIMEOUT")

	body := scrape(t)
	if !strings.Contains(body, `puppeteer_mcp_errors_total{category="browser",code="ACTION_TIMEOUT"}`) {
		t.Error("expected error counter with category and code labels")
	}
}

func TestUpdatePoolStats(t *testing.T) {
	UpdatePoolStats(browser.PoolStats{
		Total:    3,
		Idle:     2,
		Active:   1,
		Queued:   4,
		Acquired: 100,
		Recycled: 5,
		Breaker:  browser.BreakerOpen,
	})

	body := scrape(t)
	if !strings.Contains(body, "puppeteer_mcp_pool_size 3") {
		t.Error("expected pool_size to be 3")
	}
	if !strings.Contains(body, "puppeteer_mcp_pool_queue_depth 4") {
		t.Error("expected pool_queue_depth to be 4")
	}
	if !strings.Contains(body, `puppeteer_mcp_breaker_state{state="open"} 1`) {
		t.Error("expected breaker open state to be 1")
	}
	if !strings.Contains(body, `puppeteer_mcp_breaker_state{state="closed"} 0`) {
		t.Error("expected breaker closed state to be 0")
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "puppeteer_mcp_build_info") {
		t.Error("expected puppeteer_mcp_build_info metric")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("expected version label in build_info")
	}
}

func TestStartCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartCollector(20*time.Millisecond, func() (browser.PoolStats, int) {
		return browser.PoolStats{Total: 2, Idle: 2, Breaker: browser.BreakerClosed}, 7
	}, stopCh)

	time.Sleep(80 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	if !strings.Contains(body, "puppeteer_mcp_active_pages 7") {
		t.Error("expected active_pages to be 7")
	}
	if !strings.Contains(body, "puppeteer_mcp_memory_usage_bytes") {
		t.Error("expected memory usage metric")
	}
	if !strings.Contains(body, "puppeteer_mcp_goroutines") {
		t.Error("expected goroutine metric")
	}
}
