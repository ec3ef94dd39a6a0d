package contentstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
)

func testCID(t *testing.T) cid.Cid {
	t.Helper()
	return cidutil.BytesToCIDv0([32]byte{1, 2, 3})
}

func TestFetchCachesSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	var reqTotal, cacheHits int
	f := New(srv.URL, 4, time.Second, Metrics{
		RequestsTotal: func() { reqTotal++ },
		CacheHits:     func() { cacheHits++ },
	})

	c := testCID(t)
	b, err := f.Fetch(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	b, err = f.Fetch(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "second fetch must be served from cache")
	require.Equal(t, 1, reqTotal)
	require.Equal(t, 1, cacheHits)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(srv.URL, 4, time.Second, Metrics{})
	_, err := f.Fetch(context.Background(), testCID(t))
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, KindNotFound, fe.Kind)
	require.True(t, fe.Kind.Unavailable())
}

func TestFetchGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(504)
	}))
	defer srv.Close()

	f := New(srv.URL, 4, time.Second, Metrics{})
	_, err := f.Fetch(context.Background(), testCID(t))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, KindGatewayTimeout, fe.Kind)
}

func TestFetchClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("too slow"))
	}))
	defer srv.Close()

	f := New(srv.URL, 4, 5*time.Millisecond, Metrics{})
	_, err := f.Fetch(context.Background(), testCID(t))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, KindClientTimeout, fe.Kind)
	require.True(t, fe.Kind.Unavailable())
}

func TestFetchRetriesOnceThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok on retry"))
	}))
	defer srv.Close()

	f := New(srv.URL, 4, time.Second, Metrics{})
	b, err := f.Fetch(context.Background(), testCID(t))
	require.NoError(t, err)
	require.Equal(t, "ok on retry", string(b))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInvalidateAllForcesRefetch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	f := New(srv.URL, 4, time.Second, Metrics{})
	c := testCID(t)
	_, err := f.Fetch(context.Background(), c)
	require.NoError(t, err)
	f.InvalidateAll()
	_, err = f.Fetch(context.Background(), c)
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
