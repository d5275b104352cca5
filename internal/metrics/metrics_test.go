package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRegisteredSeriesAfterUse(t *testing.T) {
	r := New()
	r.OrdersSubmitted.WithLabelValues("AAPL", "buy").Inc()
	r.Equity.Set(105000.50)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "engine_orders_submitted_total") {
		t.Fatalf("expected orders-submitted series in output, got:\n%s", body)
	}
	if !strings.Contains(body, "engine_equity 105000.5") {
		t.Fatalf("expected equity gauge value in output, got:\n%s", body)
	}
}

func TestNew_ProducesIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.Halts.WithLabelValues("daily_loss").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "engine_halts_total{reason=\"daily_loss\"} 1") {
		t.Fatal("expected separate Registry instances not to share collector state")
	}
}
