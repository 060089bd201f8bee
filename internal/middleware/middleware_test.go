package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grachalle-go-api/internal/observability"
)

func TestCorrelationIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c) + "|" + CorrelationIDFromContext(c.UserContext()))
	})

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "correlation header", headers: map[string]string{CorrelationHeader: "abc-123"}, want: "abc-123"},
		{name: "request id fallback", headers: map[string]string{"X-Request-ID": "req-9"}, want: "req-9"},
		{name: "oversized id replaced", headers: map[string]string{CorrelationHeader: strings.Repeat("x", 200)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)

			id := resp.Header.Get(CorrelationHeader)
			require.NotEmpty(t, id)
			if tc.want != "" {
				require.Equal(t, tc.want, id)
			} else {
				require.Len(t, id, 36)
			}

			body := make([]byte, 256)
			n, _ := resp.Body.Read(body)
			require.Equal(t, id+"|"+id, string(body[:n]))
		})
	}
}

func TestObservabilityCountsExamRoutesOnly(t *testing.T) {
	app := fiber.New()
	app.Use(Observability(zerolog.Nop()))
	app.Get("/api/v1/exam/sessions/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })
	app.Get("/api/v1/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	counter := observability.Requests().WithLabelValues(http.MethodGet, "/api/v1/exam/sessions/:id", "404")
	before := counterValue(t, counter)

	for _, path := range []string{"/api/v1/exam/sessions/a", "/api/v1/exam/sessions/b", "/api/v1/health"} {
		_, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
		require.NoError(t, err)
	}

	require.Equal(t, before+2, counterValue(t, counter))
	require.Zero(t, counterValue(t, observability.Requests().WithLabelValues(http.MethodGet, "/api/v1/health", "200")))
}

func TestLatencyBucket(t *testing.T) {
	require.Equal(t, "<=100ms", latencyBucket(0))
	require.Equal(t, ">15s", latencyBucket(16e9))
}

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}
