package lightcurve

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/mast"
)

func card(key, value string) string {
	line := fmt.Sprintf("%-8s= %20s", key, value)
	return fmt.Sprintf("%-80s", line)
}

func pad(buf *bytes.Buffer, fill byte) {
	for buf.Len()%fitsBlock != 0 {
		buf.WriteByte(fill)
	}
}

// encodeFITS 写出一个最小的 TESS 风格 FITS：空主 HDU 加一个 BINTABLE。
func encodeFITS(t *testing.T, tic int64, sector int, lc *LightCurve) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range []string{
		card("SIMPLE", "T"),
		card("BITPIX", "8"),
		card("NAXIS", "0"),
		card("TELESCOP", "'TESS'"),
		card("OBJECT", fmt.Sprintf("'TIC %d'", tic)),
		card("SECTOR", fmt.Sprint(sector)),
		fmt.Sprintf("%-80s", "END"),
	} {
		buf.WriteString(c)
	}
	pad(&buf, ' ')

	rowLen := 8 + 4 + 4 + 4
	for _, c := range []string{
		card("XTENSION", "'BINTABLE'"),
		card("BITPIX", "8"),
		card("NAXIS", "2"),
		card("NAXIS1", fmt.Sprint(rowLen)),
		card("NAXIS2", fmt.Sprint(lc.Len())),
		card("PCOUNT", "0"),
		card("GCOUNT", "1"),
		card("TFIELDS", "4"),
		card("TTYPE1", "'TIME'"),
		card("TFORM1", "'D'"),
		card("TTYPE2", "'PDCSAP_FLUX'"),
		card("TFORM2", "'E'"),
		card("TTYPE3", "'PDCSAP_FLUX_ERR'"),
		card("TFORM3", "'E'"),
		card("TTYPE4", "'QUALITY'"),
		card("TFORM4", "'J'"),
		card("TIMEDEL", "0.001388888888889"),
		fmt.Sprintf("%-80s", "END"),
	} {
		buf.WriteString(c)
	}
	pad(&buf, ' ')

	for i := range lc.Time {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, lc.Time[i]))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, float32(lc.Flux[i])))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, float32(lc.FluxErr[i])))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, lc.Quality[i]))
	}
	pad(&buf, 0)
	return buf.Bytes()
}

func sampleCurve() *LightCurve {
	return &LightCurve{
		Time:    []float64{1410.1, 1410.2, 1410.3},
		Flux:    []float64{1000, float64(float32(math.NaN())), 1002},
		FluxErr: []float64{1, 1, 1},
		Quality: []int32{0, 0, 8},
	}
}

func TestParseFITS(t *testing.T) {
	raw := encodeFITS(t, 261155555, 3, sampleCurve())
	require.True(t, IsFITS(raw))

	lc, err := ParseFITS(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(261155555), lc.TICID)
	assert.Equal(t, 3, lc.Sector)
	assert.Equal(t, "TESS", lc.Mission)
	assert.InDelta(t, 2.0/60/24, lc.Cadence, 1e-9)
	assert.Equal(t, []float64{1410.1, 1410.2, 1410.3}, lc.Time)
	assert.True(t, math.IsNaN(lc.Flux[1]))
	assert.Equal(t, []int32{0, 0, 8}, lc.Quality)
}

func TestParseFITSRejectsGarbage(t *testing.T) {
	_, err := ParseFITS([]byte(strings.Repeat("x", fitsBlock)))
	assert.Equal(t, CodeInvalid, apperrors.CodeOf(err))
}

func TestParseFITSRejectsCorruptDimensions(t *testing.T) {
	good := encodeFITS(t, 261155555, 3, sampleCurve())
	cases := []struct {
		name     string
		from, to string
	}{
		{"negative rows", card("NAXIS2", "3"), card("NAXIS2", "-3")},
		{"negative width", card("NAXIS1", "20"), card("NAXIS1", "-20")},
		{"overflowing width", card("NAXIS1", "20"), card("NAXIS1", "9223372036854775807")},
		{"rows beyond file", card("NAXIS2", "3"), card("NAXIS2", "100000000")},
		{"negative heap", card("PCOUNT", "0"), card("PCOUNT", "-1")},
		{"non-integer group count", card("GCOUNT", "1"), card("GCOUNT", "'one'")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Contains(t, string(good), tc.from)
			corrupt := bytes.Replace(good, []byte(tc.from), []byte(tc.to), 1)

			var err error
			require.NotPanics(t, func() { _, err = ParseFITS(corrupt) })
			assert.Equal(t, CodeInvalid, apperrors.CodeOf(err))
		})
	}
}

func TestParseFITSTruncated(t *testing.T) {
	good := encodeFITS(t, 261155555, 3, sampleCurve())
	_, err := ParseFITS(good[:fitsBlock+100])
	assert.Equal(t, CodeInvalid, apperrors.CodeOf(err))
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TIC_7.fits"), encodeFITS(t, 7, 1, sampleCurve()), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TIC_8.csv"), []byte("time,flux\n1,1\n2,1\n"), 0o600))

	src := DirectorySource{Dir: dir}
	lc, err := src.Fetch(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, lc.Len())

	lc, err = src.Fetch(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), lc.TICID)
	assert.Equal(t, "LOCAL", lc.Author)

	_, err = src.Fetch(context.Background(), 9)
	assert.Equal(t, CodeNotFound, apperrors.CodeOf(err))
}

func TestArchiveSourcePrefersAuthorAndEarliestSector(t *testing.T) {
	fits := encodeFITS(t, 261155555, 0, sampleCurve())
	var productQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v0.1/Download/file" {
			assert.Equal(t, "mast:TESS/product/s1_lc.fits", r.URL.Query().Get("uri"))
			_, _ = w.Write(fits)
			return
		}
		require.NoError(t, r.ParseForm())
		req := gjson.Parse(r.PostForm.Get("request"))
		switch req.Get("service").String() {
		case "Mast.Caom.Filtered":
			_, _ = w.Write([]byte(`{"status":"COMPLETE","data":[
				{"obsid":"30","provenance_name":"QLP","sequence_number":1,"t_exptime":1800},
				{"obsid":"20","provenance_name":"SPOC","sequence_number":4,"t_exptime":120},
				{"obsid":"10","provenance_name":"SPOC","sequence_number":1,"t_exptime":120}
			]}`))
		case "Mast.Caom.Products":
			productQuery = req.Get("params.obsid").String()
			_, _ = w.Write([]byte(`{"status":"COMPLETE","data":[
				{"productSubGroupDescription":"TP","dataURI":"mast:TESS/product/s1_tp.fits"},
				{"productSubGroupDescription":"LC","dataURI":"mast:TESS/product/s1_lc.fits"}
			]}`))
		default:
			t.Fatalf("unexpected service %s", req.Get("service").String())
		}
	}))
	defer srv.Close()

	client := mast.NewClient(mast.Config{BaseURL: srv.URL, Timeout: time.Second})
	lc, err := NewArchiveSource(client, "").Fetch(context.Background(), 261155555)
	require.NoError(t, err)
	assert.Equal(t, "10", productQuery)
	assert.Equal(t, "SPOC", lc.Author)
	assert.Equal(t, 1, lc.Sector)
	assert.Equal(t, 3, lc.Len())
}

func TestArchiveSourceNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"COMPLETE","data":[]}`))
	}))
	defer srv.Close()

	client := mast.NewClient(mast.Config{BaseURL: srv.URL, Timeout: time.Second})
	_, err := NewArchiveSource(client, "SPOC").Fetch(context.Background(), 1)
	assert.Equal(t, CodeNotFound, apperrors.CodeOf(err))
	assert.False(t, apperrors.RetryableError(err))
}
