package loader

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/rapee/flowmap.blue/flow"
)

const locationsCSV = `id,name,lat,lon
A,Alpha,0,0
B,Bravo,0.0001,0.0001
C,,50,50
D,Delta,north,10
`

const flowsCSV = `origin,dest,count,time
A,C,10,2020-01-01
B,C,5,
A,B,lots,
`

func newTestLoader() *Loader {
	return New(Options{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
	})
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "dataset.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, Source{Location: "data.xlsx", Sheet: "flows"}, ParseSource(" data.xlsx#flows "))
	assert.Equal(t, Source{Location: "data.csv"}, ParseSource("data.csv"))
	assert.Equal(t, "data.xlsx#flows", Source{Location: "data.xlsx", Sheet: "flows"}.String())

	remote := ParseSource("https://example.com/export/book.XLSX?x=1")
	assert.True(t, remote.IsRemote())
	assert.Equal(t, FormatXLSX, remote.Format())
	assert.False(t, ParseSource("/tmp/a.csv").IsRemote())
	assert.Equal(t, FormatCSV, ParseSource("/tmp/a.csv").Format())
}

func TestLoadLocationsCSV(t *testing.T) {
	path := writeTestFile(t, "locations.csv", locationsCSV)

	locations, err := newTestLoader().LoadLocations(context.Background(), Source{Location: path})
	require.NoError(t, err)
	require.Len(t, locations, 4)

	assert.Equal(t, flow.Location{ID: "A", Name: "Alpha", Lon: 0, Lat: 0}, locations[0])
	assert.Equal(t, "C", locations[2].Name, "empty name falls back to the id")
	assert.True(t, math.IsNaN(locations[3].Lat))
	assert.Equal(t, []string{"D"}, flow.InvalidLocationIDs(locations))
}

func TestLoadFlowsCSV(t *testing.T) {
	path := writeTestFile(t, "flows.csv", flowsCSV)

	flows, err := newTestLoader().LoadFlows(context.Background(), Source{Location: path})
	require.NoError(t, err)
	require.Len(t, flows, 3)

	assert.Equal(t, 10.0, flows[0].Count)
	require.NotNil(t, flows[0].Time)
	assert.Equal(t, 2020, flows[0].Time.Year())
	assert.Nil(t, flows[1].Time)
	assert.Equal(t, 0.0, flows[2].Count, "non-numeric count becomes 0")
}

func TestHeaderAliasesAndShortRows(t *testing.T) {
	path := writeTestFile(t, "aliases.csv", "ID,Latitude,Longitude,,Extra\nX,1,2\nY,3,4,,z,overflow\n")

	locations, err := newTestLoader().LoadLocations(context.Background(), Source{Location: path})
	require.NoError(t, err)
	assert.Equal(t, []flow.Location{
		{ID: "X", Name: "X", Lat: 1, Lon: 2},
		{ID: "Y", Name: "Y", Lat: 3, Lon: 4},
	}, locations)
}

func TestMissingColumn(t *testing.T) {
	path := writeTestFile(t, "bad.csv", "origin,count\nA,1\n")

	_, err := newTestLoader().LoadFlows(context.Background(), Source{Location: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "dest"`)

	empty := writeTestFile(t, "empty.csv", "")
	_, err = newTestLoader().LoadFlows(context.Background(), Source{Location: empty})
	assert.Error(t, err)

	_, err = newTestLoader().LoadFlows(context.Background(), Source{Location: filepath.Join(t.TempDir(), "nope.csv")})
	assert.Error(t, err)
}

func TestLoadXLSXWorkbook(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"locations": {
			{"id", "name", "lat", "lon"},
			{"A", "Alpha", "0", "0"},
			{"C", "Charlie", "50", "50"},
		},
		"flows": {
			{"origin", "dest", "count"},
			{"A", "C", "10"},
		},
		"extra": {
			{"origin", "dest", "count"},
			{"C", "A", "-2"},
		},
	})
	l := newTestLoader()
	ctx := context.Background()

	ds, err := l.LoadDataset(ctx, Source{Location: path}, Source{Location: path})
	require.NoError(t, err)
	assert.Len(t, ds.Locations, 2)
	assert.Equal(t, []flow.Flow{{Origin: "A", Dest: "C", Count: 10}}, ds.Flows)

	extra, err := l.LoadFlows(ctx, Source{Location: path, Sheet: "extra"})
	require.NoError(t, err)
	assert.True(t, flow.HasNegative(extra))

	_, err = l.LoadFlows(ctx, Source{Location: path, Sheet: "missing"})
	assert.Error(t, err)
}

func TestLoadFromURLWithRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/locations.csv":
			w.Write([]byte(locationsCSV))
		case "/flows.csv":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(flowsCSV))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ds, err := newTestLoader().LoadDataset(context.Background(),
		Source{Location: srv.URL + "/locations.csv"},
		Source{Location: srv.URL + "/flows.csv"},
	)
	require.NoError(t, err)
	assert.Len(t, ds.Locations, 4)
	assert.Len(t, ds.Flows, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadFromURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestLoader().LoadDataset(context.Background(),
		Source{Location: srv.URL + "/locations.csv"},
		Source{Location: srv.URL + "/flows.csv"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLoadFromURLExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestLoader().LoadFlows(context.Background(), Source{Location: srv.URL + "/flows.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(3), calls.Load())
}
