package h2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func encodeFields(t *testing.T, fields ...hpack.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	return buf.Bytes()
}

func TestDecodeHeaderBlockAcceptsStatusThenRegularHeaders(t *testing.T) {
	block := encodeFields(t,
		hpack.HeaderField{Name: `:status`, Value: `200`},
		hpack.HeaderField{Name: `content-type`, Value: `text/plain`},
	)

	dec := hpack.NewDecoder(4096, nil)
	head, err := decodeHeaderBlock(dec, block, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 200, head.status)
	require.Len(t, head.headers, 1)
	assert.Equal(t, `content-type`, head.headers[0].Key)
}

func TestDecodeHeaderBlockRejectsPseudoAfterRegular(t *testing.T) {
	block := encodeFields(t,
		hpack.HeaderField{Name: `content-type`, Value: `text/plain`},
		hpack.HeaderField{Name: `:status`, Value: `200`},
	)

	dec := hpack.NewDecoder(4096, nil)
	_, err := decodeHeaderBlock(dec, block, 1<<20)
	assert.Error(t, err)
}

func TestDecodeHeaderBlockRejectsDuplicateStatus(t *testing.T) {
	block := encodeFields(t,
		hpack.HeaderField{Name: `:status`, Value: `200`},
		hpack.HeaderField{Name: `:status`, Value: `404`},
	)

	dec := hpack.NewDecoder(4096, nil)
	_, err := decodeHeaderBlock(dec, block, 1<<20)
	assert.Error(t, err)
}

func TestDecodeHeaderBlockRejectsMissingStatus(t *testing.T) {
	block := encodeFields(t, hpack.HeaderField{Name: `content-type`, Value: `text/plain`})

	dec := hpack.NewDecoder(4096, nil)
	_, err := decodeHeaderBlock(dec, block, 1<<20)
	assert.Error(t, err)
}

func TestDecodeHeaderBlockRejectsUnknownPseudoHeader(t *testing.T) {
	block := encodeFields(t,
		hpack.HeaderField{Name: `:status`, Value: `200`},
		hpack.HeaderField{Name: `:path`, Value: `/`},
	)

	dec := hpack.NewDecoder(4096, nil)
	_, err := decodeHeaderBlock(dec, block, 1<<20)
	assert.Error(t, err)
}

func TestExtractContentLengthParsesValidValue(t *testing.T) {
	length, has, err := extractContentLength([]HeaderPair{{Key: `content-length`, Value: `1024`}})
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, int64(1024), length)
}

func TestExtractContentLengthRejectsMalformedValue(t *testing.T) {
	_, _, err := extractContentLength([]HeaderPair{{Key: `content-length`, Value: `01`}})
	assert.Error(t, err)
}

func TestExtractContentLengthAbsentIsNotAnError(t *testing.T) {
	_, has, err := extractContentLength(nil)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEncodeRequestHeadersOrdersPseudoHeadersFirst(t *testing.T) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)

	headers := []HeaderPair{
		{Key: `accept`, Value: `*/*`},
		{Key: `host`, Value: `example.com`},
		{Key: `x-trace`, Value: `abc`},
	}
	require.NoError(t, encodeRequestHeaders(enc, &buf, `GET`, `example.com`, `/x`, `https`, stripHopHeaders(headers)))

	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, fields, 6)
	assert.Equal(t, `:method`, fields[0].Name)
	assert.Equal(t, `:path`, fields[1].Name)
	assert.Equal(t, `:scheme`, fields[2].Name)
	assert.Equal(t, `:authority`, fields[3].Name)
	assert.Equal(t, `accept`, fields[4].Name)
	assert.Equal(t, `x-trace`, fields[5].Name)
}

func TestEncodeRequestHeadersDefaultsEmptyPathToSlash(t *testing.T) {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	require.NoError(t, encodeRequestHeaders(enc, &buf, `GET`, `example.com`, ``, `https`, nil))

	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, `/`, fields[1].Value)
}

func TestStripHopHeadersRemovesHostAndConnection(t *testing.T) {
	in := []HeaderPair{
		{Key: `Host`, Value: `example.com`},
		{Key: `Connection`, Value: `keep-alive`},
		{Key: `accept`, Value: `*/*`},
	}
	out := stripHopHeaders(in)
	require.Len(t, out, 1)
	assert.Equal(t, `accept`, out[0].Key)
}
