package closet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchManifest_NormalizesHashes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/manifests/cyvr/2026-08-24.json", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"hash":"ABCDEF","sizeBytes":10,"type":"forecast","model":"gdps","runTime":1755950400000},
			{"hash":"  1234ab  ","sizeBytes":5,"type":"observation","source":"eccc","stationSetId":"FFEE00"}
		]`))
	}))
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	entries, err := client.FetchManifest(context.Background(), "cyvr", testNow)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "abcdef", entries[0].Hash)
	assert.Equal(t, "1234ab", entries[1].Hash)
	assert.Equal(t, "ffee00", entries[1].StationSetID)
}

func TestFetchManifest_MissingDayIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	entries, err := client.FetchManifest(context.Background(), "cyvr", testNow)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchManifest_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	_, err := client.FetchManifest(context.Background(), "cyvr", testNow)
	require.ErrorIs(t, err, ErrTransport)
}

func TestFetchManifest_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	_, err := client.FetchManifest(context.Background(), "cyvr", testNow)
	require.ErrorIs(t, err, ErrTransport)
}

func TestFetchBlob_WholeObject(t *testing.T) {
	payload := []byte("whole blob payload")
	hash := ContentHash(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/blobs/"+hash, r.URL.Path)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	got, err := client.FetchBlob(context.Background(), ManifestEntry{
		Hash:      hash,
		SizeBytes: int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchBlob_Missing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	_, err := client.FetchBlob(context.Background(), ManifestEntry{Hash: "abcd", SizeBytes: 4})
	require.ErrorIs(t, err, ErrTransport)
}

func TestFetchBlob_PackUsesRangeRequest(t *testing.T) {
	pack := []byte("junk-PAYLOAD-junk")
	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/packs/2026-08.pack", r.URL.Path)
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 5-11/17")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(pack[5:12])
	}))
	t.Cleanup(srv.Close)

	client := NewManifestClient(srv.URL, srv.Client())
	got, err := client.FetchBlob(context.Background(), ManifestEntry{
		Hash:       ContentHash([]byte("PAYLOAD")),
		SizeBytes:  7,
		Pack:       "2026-08.pack",
		PackOffset: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("PAYLOAD"), got)
	assert.Equal(t, "bytes=5-11", gotRange)
}
