package closet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   contentRange
		ok     bool
	}{
		{"exact total", "bytes 10-19/100", contentRange{start: 10, end: 19, total: 100}, true},
		{"unknown total", "bytes 0-4/*", contentRange{start: 0, end: 4, total: -1}, true},
		{"missing unit", "10-19/100", contentRange{}, false},
		{"wrong unit", "items 10-19/100", contentRange{}, false},
		{"unsatisfied range form", "bytes */100", contentRange{}, false},
		{"end before start", "bytes 19-10/100", contentRange{}, false},
		{"trailing garbage", "bytes 10-19/100 extra", contentRange{}, false},
		{"empty", "", contentRange{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContentRange(tt.header)
			if !tt.ok {
				require.ErrorIs(t, err, ErrIntegrity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// rangeServer answers one canned response regardless of the request.
func rangeServer(t *testing.T, status int, contentRange string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentRange != "" {
			w.Header().Set("Content-Range", contentRange)
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRange_Success(t *testing.T) {
	payload := []byte("0123456789")
	srv := rangeServer(t, http.StatusPartialContent, "bytes 10-19/1000", payload)

	got, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchRange_SuccessUnknownTotal(t *testing.T) {
	payload := []byte("abcde")
	srv := rangeServer(t, http.StatusPartialContent, "bytes 0-4/*", payload)

	got, err := FetchRange(context.Background(), srv.Client(), srv.URL, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchRange_RejectsNonPartialStatus(t *testing.T) {
	// A 200 carrying the whole object must not be accepted as the slice,
	// and neither must any error status.
	for _, status := range []int{
		http.StatusOK,
		http.StatusNotModified,
		http.StatusNotFound,
		http.StatusRequestedRangeNotSatisfiable,
		http.StatusInternalServerError,
	} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			srv := rangeServer(t, status, "bytes 10-19/1000", []byte("0123456789"))

			_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
			require.ErrorIs(t, err, ErrIntegrity)
		})
	}
}

func TestFetchRange_RejectsMissingContentRange(t *testing.T) {
	srv := rangeServer(t, http.StatusPartialContent, "", []byte("0123456789"))

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFetchRange_RejectsMalformedContentRange(t *testing.T) {
	srv := rangeServer(t, http.StatusPartialContent, "bytes=10-19/1000", []byte("0123456789"))

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFetchRange_RejectsMismatchedRange(t *testing.T) {
	srv := rangeServer(t, http.StatusPartialContent, "bytes 0-9/1000", []byte("0123456789"))

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFetchRange_RejectsShortBody(t *testing.T) {
	srv := rangeServer(t, http.StatusPartialContent, "bytes 10-19/1000", []byte("0123"))

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFetchRange_RejectsLongBody(t *testing.T) {
	srv := rangeServer(t, http.StatusPartialContent, "bytes 10-19/1000", []byte("0123456789abcdef"))

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 10, 19)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFetchRange_SendsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 5-9/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcde"))
	}))
	t.Cleanup(srv.Close)

	_, err := FetchRange(context.Background(), srv.Client(), srv.URL, 5, 9)
	require.NoError(t, err)
	assert.Equal(t, "bytes=5-9", gotRange)
}

func TestFetchRange_RejectsInvalidRequest(t *testing.T) {
	_, err := FetchRange(context.Background(), http.DefaultClient, "http://unused.invalid", 10, 5)
	require.ErrorIs(t, err, ErrIntegrity)
}
