package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func value(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/accounts/{userID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := value(HTTPRequestsTotal.WithLabelValues("GET", "/accounts/{userID}", "418"))
	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/accounts/"+id, nil))
	}
	after := value(HTTPRequestsTotal.WithLabelValues("GET", "/accounts/{userID}", "418"))
	assert.Equal(t, float64(3), after-before)
}

func TestRecorder(t *testing.T) {
	var rec Recorder

	before := value(OperationsTotal.WithLabelValues("transfer", "rejected"))
	rec.ObserveOperation("transfer", "rejected", 3*time.Millisecond)
	assert.Equal(t, float64(1), value(OperationsTotal.WithLabelValues("transfer", "rejected"))-before)

	before = value(RejectionsTotal.WithLabelValues("insufficient_funds"))
	rec.ObserveRejection("insufficient_funds")
	assert.Equal(t, float64(1), value(RejectionsTotal.WithLabelValues("insufficient_funds"))-before)
}
