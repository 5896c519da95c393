package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/stretchr/testify/require"
)

func testDriver(t *testing.T, handler http.HandlerFunc) (*Driver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	d := New(Config{
		Bucket:   "test-bucket",
		Endpoint: host,
		Region:   "us-east-1",
		Style:    PathStyle,
		Provider: SharedProvider{Creds: Credentials{AccessKey: "AKIDEXAMPLE", SecretKey: "secret"}},
		Scheme:   "http",
	})
	return d, srv
}

func TestSignedHeadersExcludeAuthAndContentLength(t *testing.T) {
	var gotAuth string
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	_, err := d.Info(context.Background(), "somefile", storage.LevelExists)
	require.NoError(t, err)
	require.Contains(t, gotAuth, "SignedHeaders=")
	// extract the SignedHeaders value
	idx := strings.Index(gotAuth, "SignedHeaders=")
	rest := gotAuth[idx+len("SignedHeaders="):]
	rest = rest[:strings.Index(rest, ",")]
	require.NotContains(t, rest, "authorization")
	require.NotContains(t, rest, "content-length")
	require.Contains(t, rest, "host")
	require.Contains(t, rest, "x-amz-date")
	require.Contains(t, rest, "x-amz-content-sha256")
}

func TestInfoNotFound(t *testing.T) {
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	info, err := d.Info(context.Background(), "missing", storage.LevelExists)
	require.NoError(t, err)
	require.False(t, info.Exists)
}

func TestListContinuationToken(t *testing.T) {
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("continuation-token")
		w.Header().Set("Content-Type", "application/xml")
		if token == "" {
			w.Write([]byte(`<ListBucketResult>
				<IsTruncated>true</IsTruncated>
				<NextContinuationToken>TOKEN1</NextContinuationToken>
				<Contents><Key>a</Key><Size>1</Size><LastModified>2020-01-01T00:00:00Z</LastModified></Contents>
			</ListBucketResult>`))
			return
		}
		require.Equal(t, "TOKEN1", token)
		w.Write([]byte(`<ListBucketResult>
			<IsTruncated>false</IsTruncated>
			<Contents><Key>b</Key><Size>2</Size><LastModified>2020-01-01T00:00:00Z</LastModified></Contents>
		</ListBucketResult>`))
	})

	var keys []string
	err := d.List(context.Background(), "", storage.ListOptions{Recursive: true}, func(e storage.Entry) error {
		keys = append(keys, e.Name)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestListVersionsSkipsDeleteMarkerAndFuture(t *testing.T) {
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<ListVersionsResult>
			<IsTruncated>false</IsTruncated>
			<Version><Key>alive</Key><VersionId>v2</VersionId><LastModified>2020-06-01T00:00:00Z</LastModified><Size>10</Size></Version>
			<Version><Key>alive</Key><VersionId>v1</VersionId><LastModified>2020-01-01T00:00:00Z</LastModified><Size>5</Size></Version>
			<DeleteMarker><Key>deleted</Key><VersionId>v2</VersionId><LastModified>2020-06-01T00:00:00Z</LastModified></DeleteMarker>
			<Version><Key>deleted</Key><VersionId>v1</VersionId><LastModified>2020-01-01T00:00:00Z</LastModified><Size>3</Size></Version>
			<Version><Key>future</Key><VersionId>v1</VersionId><LastModified>2030-01-01T00:00:00Z</LastModified><Size>1</Size></Version>
		</ListVersionsResult>`))
	})

	target := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	var names []string
	err := d.List(context.Background(), "", storage.ListOptions{Recursive: true, TargetTime: &target}, func(e storage.Entry) error {
		names = append(names, e.Name)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"alive"}, names)
}

func TestBatchDeleteRetriesErroredKeysIndividually(t *testing.T) {
	var individualDeletes []string
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(`<ListBucketResult>
				<IsTruncated>false</IsTruncated>
				<Contents><Key>a</Key><Size>1</Size><LastModified>2020-01-01T00:00:00Z</LastModified></Contents>
				<Contents><Key>b</Key><Size>1</Size><LastModified>2020-01-01T00:00:00Z</LastModified></Contents>
				<Contents><Key>c</Key><Size>1</Size><LastModified>2020-01-01T00:00:00Z</LastModified></Contents>
			</ListBucketResult>`))
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(`<DeleteResult><Error><Key>b</Key><Code>InternalError</Code><Message>oops</Message></Error></DeleteResult>`))
		case r.Method == http.MethodDelete:
			individualDeletes = append(individualDeletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	err := d.PathRemove(context.Background(), "", true)
	require.NoError(t, err)
	require.Equal(t, []string{"/test-bucket/b"}, individualDeletes)
}

func TestURIEncodeRoundTripThroughSigning(t *testing.T) {
	var gotPath string
	d, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	})
	_, err := d.Info(context.Background(), "a b/c", storage.LevelExists)
	require.NoError(t, err)
	require.Equal(t, "/test-bucket/a%20b/c", gotPath)
}
