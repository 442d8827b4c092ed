package schulmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
)

// newTestConfig returns a client config with backoffs and rate limits shrunk
// so retry paths run in milliseconds.
func newTestConfig(server *httptest.Server) ClientConfig {
	config := DefaultClientConfig(server.URL)
	config.RetryConfig = RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	config.RateLimiterConfig = RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         100,
		MinInterval:       0,
		WaitTimeout:       time.Second,
		RetryAfter:        time.Millisecond,
	}
	return config
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	return NewClient(newTestConfig(server))
}

// serveBundle registers a fake portal index page and the bundle script every
// Call needs for its envelope.
func serveBundle(mux *http.ServeMux, version string) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script src="/assets/app.js"></script></head></html>`)
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `var config={bundleVersion:%q};`, version)
	})
}

func newTestStudent(t *testing.T) *student.Student {
	t.Helper()
	st, err := student.NewStudent(student.NewStudentParams{
		ID:        77,
		SchoolID:  4711,
		ClassID:   88,
		FirstName: "Lena",
		LastName:  "Maier",
	})
	require.NoError(t, err)
	return st
}

func TestCall_SendsEnvelopeAndReturnsData(t *testing.T) {
	var envelope CallEnvelope
	var header http.Header

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		fmt.Fprint(w, `{"results":[{"status":200,"data":[{"id":1}]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	data, err := client.Call(context.Background(), "tok-123", "classbook", "get-homework",
		homeworkParams{Student: studentRefParam{ID: 55}})

	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(data))

	assert.Equal(t, "abcdef1234", envelope.BundleVersion)
	require.Len(t, envelope.Requests, 1)
	assert.Equal(t, "classbook", envelope.Requests[0].ModuleName)
	assert.Equal(t, "get-homework", envelope.Requests[0].EndpointName)

	assert.Equal(t, "Bearer tok-123", header.Get("Authorization"))
	assert.Equal(t, contentTypeJSON, header.Get("Content-Type"))
	assert.Equal(t, defaultUserAgent, header.Get("User-Agent"))
	assert.Equal(t, acceptLanguage, header.Get("Accept-Language"))
}

func TestCall_SessionExpiredOnHTTP401(t *testing.T) {
	calls := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "alt", "schedules", "get-actual-lessons", nil)

	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))
	assert.Equal(t, 1, calls, "auth failures are not retried")
}

func TestCall_SessionExpiredOnRequestLevel401(t *testing.T) {
	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"status":401,"data":null}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "alt", "exams", "get-exams", nil)

	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))
}

func TestCall_ClientErrorNotRetried(t *testing.T) {
	calls := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "ungültige Anfrage")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "tok", "classbook", "get-homework", nil)

	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Transient())
	assert.Equal(t, 1, calls)
}

func TestCall_RetriesServerErrors(t *testing.T) {
	calls := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"results":[{"status":200,"data":{"ok":true}}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	data, err := client.Call(context.Background(), "tok", "classbook", "get-homework", nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, 2, calls)
}

func TestCall_RateLimitedAfterExhaustedRetries(t *testing.T) {
	calls := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "tok", "classbook", "get-homework", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPortalRateLimited)
	assert.True(t, shared.IsExternalService(err))
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestCall_RescrapesWhenBundleRejected(t *testing.T) {
	scrapes := 0
	apiCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="/app.js"></script>`)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		scrapes++
		version := "1111aaaa22"
		if scrapes > 1 {
			version = "3333cccc44"
		}
		fmt.Fprintf(w, `var config={bundleVersion:%q};`, version)
	})
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		var envelope CallEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))

		if envelope.BundleVersion != "3333cccc44" {
			fmt.Fprint(w, `{"results":[{"status":500,"data":null,"error":"Invalid bundle version"}]}`)
			return
		}
		fmt.Fprint(w, `{"results":[{"status":200,"data":{"fresh":true}}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	data, err := client.Call(context.Background(), "tok", "schedules", "get-actual-lessons", nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh":true}`, string(data))
	assert.Equal(t, 2, scrapes, "rejection invalidates the cached version")
	assert.Equal(t, 2, apiCalls)
}

func TestCall_HTMLResponseTreatedAsStaleBundle(t *testing.T) {
	scrapes := 0
	apiCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="/app.js"></script>`)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		scrapes++
		fmt.Fprint(w, `var config={bundleVersion:"abcdef1234"};`)
	})
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		fmt.Fprint(w, `<html>Es ist ein Fehler aufgetreten</html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "tok", "classbook", "get-homework", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMalformedResponse)
	assert.Equal(t, 2, apiCalls, "one replay with a fresh version, then give up")
	assert.Equal(t, 2, scrapes)
}

func TestCall_RequestFailureWithoutBundleHint(t *testing.T) {
	apiCalls := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		fmt.Fprint(w, `{"results":[{"status":500,"data":null,"error":"internal"}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Call(context.Background(), "tok", "classbook", "get-homework", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMalformedResponse)
	assert.Equal(t, 1, apiCalls, "a plain request failure triggers no replay")
}

func TestCall_AuthFailureDoesNotTripBreaker(t *testing.T) {
	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	config := newTestConfig(server)
	config.CircuitBreakerConfig = CircuitBreakerConfig{
		FailureThreshold:   1,
		SuccessThreshold:   1,
		Timeout:            time.Hour,
		HalfOpenMaxRetries: 1,
	}
	client := NewClient(config)

	for i := 0; i < 2; i++ {
		_, err := client.Call(context.Background(), "alt", "classbook", "get-homework", nil)
		require.Error(t, err)
		assert.True(t, shared.IsSessionExpired(err), "call %d", i+1)
	}

	assert.Equal(t, CircuitClosed, client.circuitBreaker.State())
}

func TestFetchLessons_SendsFrontendShapedStudent(t *testing.T) {
	var envelope CallEnvelope

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		fmt.Fprint(w, `{"results":[{"status":200,"data":[]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // a Wednesday

	lessons, err := client.FetchLessons(context.Background(), "tok", newTestStudent(t), 2, now)

	require.NoError(t, err)
	assert.Empty(t, lessons)

	require.Len(t, envelope.Requests, 1)
	assert.Equal(t, "schedules", envelope.Requests[0].ModuleName)
	assert.Equal(t, "get-actual-lessons", envelope.Requests[0].EndpointName)

	params, ok := envelope.Requests[0].Parameters.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2026-03-02", params["start"], "window starts on Monday of the current week")
	assert.Equal(t, "2026-03-15", params["end"])

	studentObj, ok := params["student"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(77), studentObj["id"])
	assert.Equal(t, "Lena", studentObj["firstname"])

	class, ok := studentObj["class"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(88), class["id"])

	// The endpoint rejects class objects without these keys, nulls included
	name, present := class["name"]
	assert.True(t, present)
	assert.Nil(t, name)
}

func TestFetchExams_SendsWindowAndPlaceholderSex(t *testing.T) {
	var envelope CallEnvelope

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		fmt.Fprint(w, `{"results":[{"status":200,"data":[]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	_, err := client.FetchExams(context.Background(), "tok", newTestStudent(t), now)
	require.NoError(t, err)

	params, ok := envelope.Requests[0].Parameters.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2026-02-02", params["start"])
	assert.Equal(t, "2026-08-31", params["end"])

	studentObj, ok := params["student"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Male", studentObj["sex"], "the endpoint checks presence, not truth")
}

func TestFetchGrades_DefaultsTermAndSchoolYear(t *testing.T) {
	var envelope CallEnvelope

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		fmt.Fprint(w, `{"results":[{"status":200,"data":{"courses":[],"gradingEvents":[],"typePresets":[]}}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	dto, err := client.FetchGrades(context.Background(), "tok", 77, 0, now)

	require.NoError(t, err)
	require.NotNil(t, dto)

	params, ok := envelope.Requests[0].Parameters.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(77), params["studentId"])
	assert.Equal(t, float64(DefaultTermID), params["termId"])
	assert.Equal(t, "2025-08-01", params["start"], "school year runs August to July")
	assert.Equal(t, "2026-07-31", params["end"])
	assert.Equal(t, "entireYear", params["gradingPeriodType"])
}

func TestFetchSubjects_AcceptsBothPayloadShapes(t *testing.T) {
	responses := []string{
		`{"results":[{"status":200,"data":{"data":[{"id":3,"name":"Mathematik","abbreviation":"M"}]}}]}`,
		`{"results":[{"status":200,"data":[{"id":3,"name":"Mathematik","abbreviation":"M"}]}]}`,
	}
	call := 0

	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, responses[call%len(responses)])
		call++
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)

	for i := 0; i < 2; i++ {
		subjects, err := client.FetchSubjects(context.Background(), "tok")
		require.NoError(t, err, "shape %d", i+1)
		require.Len(t, subjects, 1)
		assert.Equal(t, "Mathematik", subjects[0].Name)
	}
}

func TestFetchHomework_DecodesDTOs(t *testing.T) {
	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"status":200,"data":[
			{"id": 41, "date": "2026-03-05", "subject": "Deutsch", "homework": "Gedicht lernen", "completed": true}
		]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	dtos, err := client.FetchHomework(context.Background(), "tok", newTestStudent(t))

	require.NoError(t, err)
	require.Len(t, dtos, 1)
	assert.Equal(t, int64(41), dtos[0].ID)
	assert.Equal(t, "Deutsch", dtos[0].Subject)
	assert.True(t, dtos[0].Completed)
}

func TestClientStatus_ReportsHealth(t *testing.T) {
	mux := http.NewServeMux()
	serveBundle(mux, "abcdef1234")
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	status := client.Status(context.Background())

	assert.True(t, status.IsHealthy)
	assert.Equal(t, CircuitClosed, status.CircuitBreaker.State)
	assert.Equal(t, float64(100), status.RateLimiter.MaxTokens)
}

func TestCalculateBackoff_DeterministicJitter(t *testing.T) {
	config := RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}

	assert.Equal(t, time.Second, config.CalculateBackoff(0))

	first := config.CalculateBackoff(1)
	assert.Equal(t, first, config.CalculateBackoff(1), "same attempt, same backoff")
	assert.Equal(t, 1974*time.Millisecond, first)

	// The cap applies before jitter, so the result may stretch past it by
	// half the jitter window
	assert.Equal(t, 10200*time.Millisecond, config.CalculateBackoff(10))
}

func TestRateLimiter_RecordHitReducesRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         2,
		MinInterval:       0,
		WaitTimeout:       time.Second,
		RetryAfter:        time.Second,
	})
	ctx := context.Background()

	require.NoError(t, rl.Allow(ctx))
	require.NoError(t, rl.Allow(ctx))

	rl.RecordRateLimitHit(5 * time.Second)

	status := rl.Status()
	assert.Less(t, status.AvailableTokens, 1.0)
	assert.Equal(t, 80.0, status.RefillRate)
	assert.Equal(t, 1, status.ConsecutiveWaits)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:   2,
		SuccessThreshold:   1,
		Timeout:            50 * time.Millisecond,
		HalfOpenMaxRetries: 1,
	})

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow(), "timeout elapsed, probe allowed")
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}
