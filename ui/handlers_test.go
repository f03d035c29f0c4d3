package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hemant/titandelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, ping func() error) (*httptest.Server, titandelay.Broker) {
	t.Helper()
	broker := titandelay.NewMemoryBroker()
	ctx := context.Background()
	entry := `{"content":"x","exception":"boom","retryCount":4,"timestamp":"2025-01-02T03:04:05Z"}`
	require.NoError(t, broker.Put(ctx, "titandelay:orders-dead-letter", "0001", []byte(entry)))

	h := NewHandler(titandelay.NewInspector(broker, 2), prometheus.NewRegistry(), ping)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, broker
}

func getJSON(t *testing.T, method, url string, v interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestTopicEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, func() error { return nil })

	var info titandelay.TopicInfo
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/topics/orders", &info))
	assert.Equal(t, "orders", info.Topic)
	assert.Len(t, info.Partitions, 2)
	assert.EqualValues(t, 1, info.DeadLetters)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, srv.URL+"/api/topics/%7Bbad%7D", nil))
}

func TestDeadLetterEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, func() error { return nil })

	var list struct {
		DeadLetters []*titandelay.DeadLetter `json:"dead_letters"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/topics/orders/deadletters", &list))
	require.Len(t, list.DeadLetters, 1)
	assert.Equal(t, "boom", list.DeadLetters[0].Error)
	assert.Equal(t, 4, list.DeadLetters[0].RetryCount)
	assert.True(t, list.DeadLetters[0].RecordedAt.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))

	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodDelete, srv.URL+"/api/topics/orders/deadletters/missing", nil))

	var deleted struct {
		Deleted int `json:"deleted"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodDelete, srv.URL+"/api/topics/orders/deadletters/0001", &deleted))
	assert.Equal(t, 1, deleted.Deleted)

	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodDelete, srv.URL+"/api/topics/orders/deadletters", &deleted))
	assert.Equal(t, 0, deleted.Deleted)
}

func TestLeasesEndpointReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t, func() error { return nil })

	var body map[string][]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/topics/orders/leases", &body))
	assert.NotNil(t, body["leases"])
	assert.Empty(t, body["leases"])
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, func() error { return nil })
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/health", nil))

	down, _ := newTestServer(t, func() error { return errors.New("connection refused") })
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, http.MethodGet, down.URL+"/health", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, func() error { return nil })
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
